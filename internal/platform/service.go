// Package platform wires persistence, inference, training and telemetry into
// one service object.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/klauspost/cpuid/v2"

	"nnvisual/internal/dataset"
	"nnvisual/internal/engine"
	"nnvisual/internal/explain"
	"nnvisual/internal/inference"
	"nnvisual/internal/model"
	"nnvisual/internal/stats"
	"nnvisual/internal/storage"
	"nnvisual/internal/telemetry"
	"nnvisual/internal/training"
)

const (
	archiverTask = "run-archiver"
	runQueueSize = 16
)

type Config struct {
	Store    storage.Store
	Dataset  dataset.Source
	Training model.TrainingConfig

	CacheSize  int
	HistoryCap int
	QueueSize  int
	Thresholds explain.Thresholds
	// ArtifactsDir enables run artifact export when set.
	ArtifactsDir string
	// ExportDir receives copies made by ExportRun. Empty means ArtifactsDir/exports.
	ExportDir string
	// Autoload publishes saved models named after an architecture ("ann", "cnn", "rnn") on Init.
	Autoload bool
	// Untrained publishes freshly initialized engines for architectures still unloaded after Init.
	Untrained bool

	NewEngine  training.EngineFactory
	Supervisor SupervisorPolicy
	Logger     *slog.Logger
}

// Service is the process-wide composition root. Multiple instances may coexist.
type Service struct {
	store      storage.Store
	hub        *telemetry.Hub
	inference  *inference.Engine
	controller *training.Controller
	supervisor *Supervisor
	logger     *slog.Logger
	cfg        Config

	mu          sync.RWMutex
	started     bool
	latest      engine.Engine
	latestRun   string
	latestValAc float64

	runs chan training.RunResult
}

type CPUInfo struct {
	Brand         string   `json:"brand"`
	PhysicalCores int      `json:"physical_cores"`
	LogicalCores  int      `json:"logical_cores"`
	GOMAXPROCS    int      `json:"gomaxprocs"`
	Features      []string `json:"features"`
}

type Health struct {
	Status      string                     `json:"status"`
	Training    model.TrainingStatus       `json:"training_status"`
	ActiveModel model.Architecture         `json:"active_model"`
	Models      []inference.AvailableModel `json:"models"`
	Telemetry   telemetry.Stats            `json:"telemetry"`
	Tasks       []TaskStatus               `json:"tasks"`
	CPU         CPUInfo                    `json:"cpu"`
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	hub := telemetry.NewHub(telemetry.Options{QueueSize: cfg.QueueSize, Logger: cfg.Logger.With("component", "telemetry")})
	ie, err := inference.New(inference.Options{
		CacheSize:  cfg.CacheSize,
		Thresholds: cfg.Thresholds,
		Logger:     cfg.Logger.With("component", "inference"),
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:      cfg.Store,
		hub:        hub,
		inference:  ie,
		supervisor: NewSupervisor(cfg.Supervisor, cfg.Logger.With("component", "supervisor")),
		logger:     cfg.Logger,
		cfg:        cfg,
		runs:       make(chan training.RunResult, runQueueSize),
	}
	s.controller, err = training.NewController(training.Options{
		Config:     cfg.Training,
		NewEngine:  cfg.NewEngine,
		Source:     cfg.Dataset,
		Sink:       hub,
		HistoryCap: cfg.HistoryCap,
		OnFinish:   s.onRunFinished,
		Logger:     cfg.Logger.With("component", "training"),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Controller() *training.Controller { return s.controller }
func (s *Service) Inference() *inference.Engine     { return s.inference }
func (s *Service) Hub() *telemetry.Hub               { return s.hub }
func (s *Service) Store() storage.Store              { return s.store }

// Init prepares the store, loads models and starts the background tasks. It is idempotent.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.store.Init(ctx); err != nil {
		return err
	}
	if s.cfg.Autoload {
		if err := s.autoload(ctx); err != nil {
			return err
		}
	}
	if s.cfg.Untrained {
		if err := s.publishUntrained(); err != nil {
			return err
		}
	}
	if err := s.supervisor.Go(TaskSpec{Name: archiverTask, Restart: RestartPermanent}, s.archiveRuns); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *Service) autoload(ctx context.Context) error {
	for _, arch := range model.Architectures() {
		record, checkpoint, ok, err := s.store.GetModel(ctx, string(arch))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e, err := engine.FromCheckpoint(checkpoint)
		if err != nil {
			s.logger.Warn("skipping unreadable saved model", "name", record.Name, "error", err)
			continue
		}
		if err := s.inference.Publish(e, arch == model.ArchDense); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publishUntrained() error {
	loaded := make(map[model.Architecture]bool)
	for _, m := range s.inference.AvailableModels() {
		loaded[m.Architecture] = m.Loaded
	}
	for _, arch := range model.Architectures() {
		if loaded[arch] {
			continue
		}
		cfg := s.controller.Config()
		cfg.Architecture = arch
		e, err := engine.New(cfg)
		if err != nil {
			return err
		}
		if err := s.inference.Publish(e, false); err != nil {
			return err
		}
	}
	return nil
}

// onRunFinished runs on the training worker before the terminal status is published.
func (s *Service) onRunFinished(result training.RunResult) {
	if result.Engine != nil && result.Engine.Steps() > 0 && result.Status != model.StatusError {
		if err := s.inference.Publish(result.Engine, true); err != nil {
			s.logger.Error("publish trained model", "run_id", result.RunID, "error", err)
		} else {
			s.mu.Lock()
			s.latest = result.Engine
			s.latestRun = result.RunID
			s.latestValAc = 0
			if n := len(result.Epochs); n > 0 {
				s.latestValAc = result.Epochs[n-1].ValAccuracy
			}
			s.mu.Unlock()
		}
	}
	select {
	case s.runs <- result:
	default:
		s.logger.Warn("run archive queue full, dropping run", "run_id", result.RunID)
	}
}

func (s *Service) archiveRuns(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-s.runs:
			if err := s.archive(ctx, result); err != nil {
				s.logger.Error("archive run", "run_id", result.RunID, "error", err)
			}
		}
	}
}

func (s *Service) archive(ctx context.Context, result training.RunResult) error {
	var errs []error
	if len(result.Epochs) > 0 {
		if err := s.store.SaveEpochHistory(ctx, result.RunID, result.Epochs); err != nil {
			errs = append(errs, fmt.Errorf("epoch history: %w", err))
		}
	}
	if s.cfg.ArtifactsDir != "" {
		artifacts := stats.RunArtifacts{
			Config: stats.RunConfig{
				RunID:     result.RunID,
				Status:    result.Status,
				Training:  result.Config,
				StartedAt: result.StartedAt,
				EndedAt:   result.EndedAt,
			},
			Batches: result.Batches,
			Epochs:  result.Epochs,
		}
		if s.cfg.Dataset != nil {
			artifacts.Config.Dataset = s.cfg.Dataset.Name()
		}
		if result.Err != nil {
			artifacts.Config.Error = result.Err.Error()
		}
		if _, err := stats.WriteRunArtifacts(s.cfg.ArtifactsDir, artifacts); err != nil {
			errs = append(errs, fmt.Errorf("artifacts: %w", err))
		} else if err := stats.AppendRunIndex(s.cfg.ArtifactsDir, stats.IndexEntry(artifacts)); err != nil {
			errs = append(errs, fmt.Errorf("run index: %w", err))
		}
	}
	if len(errs) == 0 {
		s.logger.Info("run archived", "run_id", result.RunID, "status", result.Status)
	}
	return errors.Join(errs...)
}

// Runs lists exported runs, newest first. It is empty without an artifacts directory.
func (s *Service) Runs() ([]stats.RunIndexEntry, error) {
	if s.cfg.ArtifactsDir == "" {
		return []stats.RunIndexEntry{}, nil
	}
	return stats.ListRunIndex(s.cfg.ArtifactsDir)
}

// RunDetail is the archived view of one run.
type RunDetail struct {
	Config      stats.RunConfig  `json:"config"`
	Summary     stats.RunSummary `json:"summary"`
	BatchLosses []float64        `json:"batch_losses"`
}

// RunEpochs reads a run's epoch history from the store, falling back to the
// run's artifacts when the store has none.
func (s *Service) RunEpochs(ctx context.Context, runID string) ([]model.EpochSummary, error) {
	epochs, ok, err := s.store.GetEpochHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return epochs, nil
	}
	if s.cfg.ArtifactsDir != "" && storage.ValidateName(runID) == nil {
		epochs, ok, err = stats.ReadEpochs(s.cfg.ArtifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if ok {
			return epochs, nil
		}
	}
	return nil, fmt.Errorf("%w: run %q", model.ErrNotFound, runID)
}

// RunDetail reads a run's config, summary and batch losses from its artifacts.
func (s *Service) RunDetail(runID string) (RunDetail, error) {
	if err := s.archivedRun(runID); err != nil {
		return RunDetail{}, err
	}
	var detail RunDetail
	cfg, ok, err := stats.ReadRunConfig(s.cfg.ArtifactsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("%w: run %q", model.ErrNotFound, runID)
	}
	detail.Config = cfg
	if detail.Summary, _, err = stats.ReadSummary(s.cfg.ArtifactsDir, runID); err != nil {
		return RunDetail{}, err
	}
	if detail.BatchLosses, _, err = stats.ReadBatchLosses(s.cfg.ArtifactsDir, runID); err != nil {
		return RunDetail{}, err
	}
	if detail.BatchLosses == nil {
		detail.BatchLosses = []float64{}
	}
	return detail, nil
}

// ExportRun copies a run's artifacts into the export directory and returns the copy's path.
func (s *Service) ExportRun(runID string) (string, error) {
	if err := s.archivedRun(runID); err != nil {
		return "", err
	}
	out := s.cfg.ExportDir
	if out == "" {
		out = filepath.Join(s.cfg.ArtifactsDir, "exports")
	}
	dst, err := stats.ExportRunArtifacts(s.cfg.ArtifactsDir, runID, out)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: run %q", model.ErrNotFound, runID)
	}
	if err != nil {
		return "", err
	}
	s.logger.Info("run exported", "run_id", runID, "path", dst)
	return dst, nil
}

func (s *Service) archivedRun(runID string) error {
	if s.cfg.ArtifactsDir == "" {
		return fmt.Errorf("%w: run artifacts are disabled", model.ErrNotFound)
	}
	if err := storage.ValidateName(runID); err != nil {
		return fmt.Errorf("%w: invalid run id %q", model.ErrInvalidInput, runID)
	}
	return nil
}

// SaveModel persists the most recently trained engine, or the active model
// when nothing has been trained yet.
func (s *Service) SaveModel(ctx context.Context, name string) (model.ModelRecord, error) {
	if err := storage.ValidateName(name); err != nil {
		return model.ModelRecord{}, err
	}
	s.mu.RLock()
	e, valAccuracy := s.latest, s.latestValAc
	s.mu.RUnlock()
	if e == nil {
		active, err := s.inference.Model("")
		if err != nil {
			return model.ModelRecord{}, fmt.Errorf("%w: no trained model to save", model.ErrModelUnavailable)
		}
		e, valAccuracy = active, 0
	}
	checkpoint := engine.Snapshot(e)
	record, err := s.store.SaveModel(ctx, model.ModelRecord{
		Name:         name,
		Architecture: checkpoint.Architecture,
		CreatedAt:    time.Now().UTC(),
		ValAccuracy:  valAccuracy,
	}, checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	s.logger.Info("model saved", "name", record.Name, "architecture", record.Architecture, "path", record.Path)
	return record, nil
}

// LoadModel publishes a saved model and makes it the active one.
func (s *Service) LoadModel(ctx context.Context, name string) (model.ModelRecord, error) {
	if err := storage.ValidateName(name); err != nil {
		return model.ModelRecord{}, err
	}
	record, checkpoint, ok, err := s.store.GetModel(ctx, name)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if !ok {
		return model.ModelRecord{}, fmt.Errorf("%w: saved model %q", model.ErrNotFound, name)
	}
	e, err := engine.FromCheckpoint(checkpoint)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if err := s.inference.Publish(e, true); err != nil {
		return model.ModelRecord{}, err
	}
	s.logger.Info("model loaded", "name", name, "architecture", record.Architecture)
	return record, nil
}

func (s *Service) ListModels(ctx context.Context) ([]model.ModelRecord, error) {
	return s.store.ListModels(ctx)
}

func (s *Service) DeleteModel(ctx context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	deleted, err := s.store.DeleteModel(ctx, name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: saved model %q", model.ErrNotFound, name)
	}
	s.logger.Info("model deleted", "name", name)
	return nil
}

// Samples returns one input per digit class, falling back to drawn strokes when
// the dataset cannot be loaded.
func (s *Service) Samples(ctx context.Context) map[string][]float64 {
	_, validation, err := s.controller.Dataset(ctx)
	if err != nil {
		s.logger.Warn("dataset unavailable for samples", "error", err)
		return dataset.FallbackSamples()
	}
	return dataset.Samples(validation)
}

func (s *Service) Health() Health {
	return Health{
		Status:      "ok",
		Training:    s.controller.Status().Status,
		ActiveModel: s.inference.ActiveModel(),
		Models:      s.inference.AvailableModels(),
		Telemetry:   s.hub.Stats(),
		Tasks:       s.supervisor.Children(),
		CPU:         hostCPU(),
	}
}

func hostCPU() CPUInfo {
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		Features:      cpuid.CPU.FeatureSet(),
	}
}

// Shutdown stops training, flushes pending run archives and closes the store.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.controller.Shutdown(ctx)
	s.supervisor.StopAll()
drain:
	for {
		select {
		case result := <-s.runs:
			if archiveErr := s.archive(ctx, result); archiveErr != nil {
				s.logger.Error("archive run", "run_id", result.RunID, "error", archiveErr)
			}
		default:
			break drain
		}
	}
	s.hub.Close()
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return errors.Join(err, storage.CloseIfSupported(s.store))
}
