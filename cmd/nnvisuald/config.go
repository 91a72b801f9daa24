package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"nnvisual/internal/explain"
	"nnvisual/internal/inference"
	"nnvisual/internal/model"
	"nnvisual/internal/training"
)

type serverConfig struct {
	Addr         string
	Store        string
	DBPath       string
	ModelsDir    string
	ArtifactsDir string
	ExportDir    string
	DataDir      string
	CacheSize    int
	HistoryCap   int
	CORSOrigins  string
	RequestLog   bool
	LogLevel     string
	LogFormat    string
	Autoload     bool
	Untrained    bool
	Training     model.TrainingConfig
	Thresholds   explain.Thresholds
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Addr:       ":8000",
		Store:      "file",
		DBPath:     "nnvisual.db",
		ModelsDir:  "models",
		CacheSize:  inference.DefaultCacheSize,
		HistoryCap: training.DefaultHistoryCap,
		RequestLog: true,
		LogLevel:   "info",
		LogFormat:  "auto",
		Autoload:   true,
		Untrained:  true,
		Training:   model.DefaultTrainingConfig(),
		Thresholds: explain.DefaultThresholds(),
	}
}

// parseServerConfig applies defaults, then the -config file, then every flag
// given explicitly on the command line.
func parseServerConfig(args []string) (serverConfig, error) {
	def := defaultServerConfig()
	fs := flag.NewFlagSet("nnvisuald", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON config file")
	addr := fs.String("addr", def.Addr, "listen address")
	storeKind := fs.String("store", def.Store, "model store backend: memory|file|sqlite")
	dbPath := fs.String("db-path", def.DBPath, "sqlite database path")
	modelsDir := fs.String("models-dir", def.ModelsDir, "file store directory")
	artifactsDir := fs.String("artifacts-dir", def.ArtifactsDir, "run artifact export directory (disabled when empty)")
	exportDir := fs.String("export-dir", def.ExportDir, "run export directory (artifacts-dir/exports when empty)")
	dataDir := fs.String("data-dir", def.DataDir, "directory with the MNIST IDX archives or CSV export (synthetic digits when empty)")
	cacheSize := fs.Int("cache-size", def.CacheSize, "prediction cache entries")
	historyCap := fs.Int("history-cap", def.HistoryCap, "batch snapshots kept per run")
	corsOrigins := fs.String("cors-origins", def.CORSOrigins, "comma separated CORS allow list (any origin when empty)")
	requestLog := fs.Bool("request-log", def.RequestLog, "log every HTTP request")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug|info|warn|error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: auto|text|json")
	autoload := fs.Bool("autoload", def.Autoload, "load saved models named ann, cnn and rnn at startup")
	untrained := fs.Bool("untrained", def.Untrained, "serve freshly initialized engines for architectures without a saved model")
	if err := fs.Parse(args); err != nil {
		return serverConfig{}, err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg := def
	if *configPath != "" {
		loaded, err := loadServerConfig(*configPath, def)
		if err != nil {
			return serverConfig{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	overrideFromFlags(&cfg, setFlags, map[string]any{
		"addr":          *addr,
		"store":         *storeKind,
		"db-path":       *dbPath,
		"models-dir":    *modelsDir,
		"artifacts-dir": *artifactsDir,
		"export-dir":    *exportDir,
		"data-dir":      *dataDir,
		"cache-size":    *cacheSize,
		"history-cap":   *historyCap,
		"cors-origins":  *corsOrigins,
		"request-log":   *requestLog,
		"log-level":     *logLevel,
		"log-format":    *logFormat,
		"autoload":      *autoload,
		"untrained":     *untrained,
	})
	return cfg, nil
}

func loadServerConfig(path string, base serverConfig) (serverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return serverConfig{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return serverConfig{}, err
	}

	cfg := base
	if v, ok := asString(raw["addr"]); ok {
		cfg.Addr = v
	}
	if v, ok := asString(raw["store"]); ok {
		cfg.Store = v
	}
	if v, ok := asString(raw["db_path"]); ok {
		cfg.DBPath = v
	}
	if v, ok := asString(raw["models_dir"]); ok {
		cfg.ModelsDir = v
	}
	if v, ok := asString(raw["artifacts_dir"]); ok {
		cfg.ArtifactsDir = v
	}
	if v, ok := asString(raw["export_dir"]); ok {
		cfg.ExportDir = v
	}
	if v, ok := asString(raw["data_dir"]); ok {
		cfg.DataDir = v
	}
	if v, ok := asInt(raw["cache_size"]); ok {
		cfg.CacheSize = v
	}
	if v, ok := asInt(raw["history_cap"]); ok {
		cfg.HistoryCap = v
	}
	if v, ok := asString(raw["cors_origins"]); ok {
		cfg.CORSOrigins = v
	}
	if v, ok := asBool(raw["request_log"]); ok {
		cfg.RequestLog = v
	}
	if v, ok := asString(raw["log_level"]); ok {
		cfg.LogLevel = v
	}
	if v, ok := asString(raw["log_format"]); ok {
		cfg.LogFormat = v
	}
	if v, ok := asBool(raw["autoload"]); ok {
		cfg.Autoload = v
	}
	if v, ok := asBool(raw["untrained"]); ok {
		cfg.Untrained = v
	}
	if section, ok := raw["training"]; ok {
		encoded, err := json.Marshal(section)
		if err != nil {
			return serverConfig{}, err
		}
		cfg.Training, err = model.DecodeTrainingConfig(encoded, base.Training)
		if err != nil {
			return serverConfig{}, err
		}
	}
	if section, ok := raw["explain"]; ok {
		encoded, err := json.Marshal(section)
		if err != nil {
			return serverConfig{}, err
		}
		cfg.Thresholds = base.Thresholds
		if err := json.Unmarshal(encoded, &cfg.Thresholds); err != nil {
			return serverConfig{}, fmt.Errorf("explain: %w", err)
		}
		t := cfg.Thresholds
		if t.Medium <= 0 || t.Medium > t.High || t.High > 1 || t.LowConfidence <= 0 || t.CloseMargin < 0 {
			return serverConfig{}, fmt.Errorf("explain: thresholds out of range: %+v", t)
		}
	}
	return cfg, nil
}

func overrideFromFlags(cfg *serverConfig, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "addr":
			cfg.Addr = v.(string)
		case "store":
			cfg.Store = v.(string)
		case "db-path":
			cfg.DBPath = v.(string)
		case "models-dir":
			cfg.ModelsDir = v.(string)
		case "artifacts-dir":
			cfg.ArtifactsDir = v.(string)
		case "export-dir":
			cfg.ExportDir = v.(string)
		case "data-dir":
			cfg.DataDir = v.(string)
		case "cache-size":
			cfg.CacheSize = v.(int)
		case "history-cap":
			cfg.HistoryCap = v.(int)
		case "cors-origins":
			cfg.CORSOrigins = v.(string)
		case "request-log":
			cfg.RequestLog = v.(bool)
		case "log-level":
			cfg.LogLevel = v.(string)
		case "log-format":
			cfg.LogFormat = v.(string)
		case "autoload":
			cfg.Autoload = v.(bool)
		case "untrained":
			cfg.Untrained = v.(bool)
		}
	}
}

// storePath is the location argument storage.NewStore expects for the backend.
func (c serverConfig) storePath() string {
	if c.Store == "sqlite" {
		return c.DBPath
	}
	return c.ModelsDir
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}
