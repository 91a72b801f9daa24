// Command nnvisualctl drives a running nnvisuald.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"nnvisual/internal/dataset"
	"nnvisual/internal/inference"
	"nnvisual/internal/model"
	"nnvisual/internal/platform"
	"nnvisual/internal/stats"
	"nnvisual/internal/training"
)

const defaultServer = "http://127.0.0.1:8000"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "health":
		return runHealth(ctx, args[1:], out)
	case "status":
		return runStatus(ctx, args[1:], out)
	case "configure":
		return runConfigure(ctx, args[1:], out)
	case "command":
		return runCommand(ctx, args[1:], out)
	case "train":
		return runTrain(ctx, args[1:], out)
	case "watch":
		return runWatch(ctx, args[1:], out)
	case "history":
		return runHistory(ctx, args[1:], out)
	case "runs":
		return runRuns(ctx, args[1:], out)
	case "run":
		return runDetail(ctx, args[1:], out)
	case "export":
		return runExport(ctx, args[1:], out)
	case "models":
		return runModels(ctx, args[1:], out)
	case "save":
		return runSave(ctx, args[1:], out)
	case "load":
		return runLoad(ctx, args[1:], out)
	case "delete":
		return runDelete(ctx, args[1:], out)
	case "switch":
		return runSwitch(ctx, args[1:], out)
	case "info":
		return runInfo(ctx, args[1:], out)
	case "predict":
		return runPredict(ctx, args[1:], out)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: nnvisualctl <health|status|configure|command|train|watch|history|runs|run|export|models|save|load|delete|switch|info|predict> [flags]", msg)
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("NNVISUAL_SERVER")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "nnvisuald base url")
}

func parseWithClient(fs *flag.FlagSet, args []string) (*client, error) {
	server := serverFlag(fs)
	timeout := fs.Duration("timeout", 30*time.Second, "HTTP request timeout")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return newClient(*server, *timeout)
}

func runHealth(ctx context.Context, args []string, out io.Writer) error {
	c, err := parseWithClient(flag.NewFlagSet("health", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var health platform.Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return err
	}
	fmt.Fprintf(out, "status=%s training=%s active_model=%s subscribers=%d\n", health.Status, health.Training, health.ActiveModel, health.Telemetry.Subscribers)
	for _, m := range health.Models {
		fmt.Fprintf(out, "model=%s loaded=%t active=%t\n", m.Architecture, m.Loaded, m.Active)
	}
	fmt.Fprintf(out, "cpu=%q cores=%d threads=%d\n", health.CPU.Brand, health.CPU.PhysicalCores, health.CPU.LogicalCores)
	for _, task := range health.Tasks {
		fmt.Fprintf(out, "task=%s running=%t restarts=%d\n", task.Name, task.Running, task.RestartCount)
	}
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	c, err := parseWithClient(flag.NewFlagSet("status", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var status training.StatusInfo
	if err := c.do(ctx, http.MethodGet, "/training/status", nil, &status); err != nil {
		return err
	}
	fmt.Fprintf(out, "status=%s running=%t run_id=%s epoch=%d batch=%d step=%d\n", status.Status, status.Running, status.RunID, status.Epoch, status.Batch, status.Step)
	if status.Latest != nil {
		fmt.Fprintf(out, "latest loss=%.4f acc=%.3f grad_norm=%.4f at %s\n", status.Latest.Loss, status.Latest.Accuracy, status.Latest.GradientNorm, humanize.Time(status.Latest.Timestamp))
	}
	if status.Error != "" {
		fmt.Fprintf(out, "error=%s\n", status.Error)
	}
	return nil
}

// trainingFlags collects config overrides; only flags given explicitly are sent.
type trainingFlags struct {
	configPath   *string
	architecture *string
	learningRate *float64
	batchSize    *int
	epochs       *int
	optimizer    *string
	activation   *string
}

func addTrainingFlags(fs *flag.FlagSet) *trainingFlags {
	return &trainingFlags{
		configPath:   fs.String("config", "", "JSON file with training config fields"),
		architecture: fs.String("arch", "", "architecture: ann|cnn|rnn"),
		learningRate: fs.Float64("lr", 0, "learning rate"),
		batchSize:    fs.Int("batch-size", 0, "batch size"),
		epochs:       fs.Int("epochs", 0, "epochs"),
		optimizer:    fs.String("optimizer", "", "optimizer: sgd|adam|rmsprop"),
		activation:   fs.String("activation", "", "hidden activation"),
	}
}

// payload merges the config file and explicitly set flags. It returns nil when
// neither was given.
func (f *trainingFlags) payload(fs *flag.FlagSet) (map[string]any, error) {
	fields := map[string]any{}
	if *f.configPath != "" {
		data, err := os.ReadFile(*f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "arch":
			fields["architecture"] = *f.architecture
		case "lr":
			fields["learning_rate"] = *f.learningRate
		case "batch-size":
			fields["batch_size"] = *f.batchSize
		case "epochs":
			fields["epochs"] = *f.epochs
		case "optimizer":
			fields["optimizer"] = *f.optimizer
		case "activation":
			fields["activation"] = *f.activation
		}
	})
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func runConfigure(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("configure", flag.ContinueOnError)
	tf := addTrainingFlags(fs)
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	fields, err := tf.payload(fs)
	if err != nil {
		return err
	}
	var cfg model.TrainingConfig
	if fields == nil {
		err = c.do(ctx, http.MethodGet, "/training/config", nil, &cfg)
	} else {
		err = c.do(ctx, http.MethodPut, "/training/config", fields, &cfg)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "architecture=%s optimizer=%s lr=%g batch_size=%d epochs=%d activation=%s\n",
		cfg.Architecture, cfg.Optimizer, cfg.LearningRate, cfg.BatchSize, cfg.Epochs, cfg.Activation)
	return nil
}

func runCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("command", flag.ContinueOnError)
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError("command requires one of start|pause|resume|stop|step_batch|step_epoch")
	}
	var status training.StatusInfo
	if err := c.do(ctx, http.MethodPost, "/training/"+fs.Arg(0), nil, &status); err != nil {
		return err
	}
	fmt.Fprintf(out, "status=%s run_id=%s\n", status.Status, status.RunID)
	return nil
}

func runTrain(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	tf := addTrainingFlags(fs)
	raw := fs.Bool("raw", false, "print raw telemetry JSON")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	fields, err := tf.payload(fs)
	if err != nil {
		return err
	}
	conn, err := c.dialTrain(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if fields != nil {
		if err := conn.WriteJSON(map[string]any{"command": "configure", "config": fields}); err != nil {
			return err
		}
	}
	if err := conn.WriteJSON(map[string]string{"command": "start"}); err != nil {
		return err
	}
	return stream(ctx, conn, newProgress(out, *raw), true)
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	raw := fs.Bool("raw", false, "print raw telemetry JSON")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	conn, err := c.dialTrain(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"command": "get_status"}); err != nil {
		return err
	}
	return stream(ctx, conn, newProgress(out, *raw), false)
}

// stream renders events until a terminal event arrives or ctx ends. With
// failFast an error reply ends the stream with that error.
func stream(ctx context.Context, conn *websocket.Conn, p *progress, failFast bool) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev, err := p.render(data)
		if err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		switch {
		case ev.Type == "error" && failFast:
			return errors.New(ev.Message)
		case ev.Type == "training_error":
			return fmt.Errorf("training failed: %s", ev.Error)
		case ev.terminal():
			return nil
		}
	}
}

func runHistory(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	runID := fs.String("run-id", "", "stored run id (current run when empty)")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	path := "/training/epochs"
	if *runID != "" {
		path = "/training/runs/" + *runID + "/epochs"
	}
	var epochs []model.EpochSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &epochs); err != nil {
		return err
	}
	for _, e := range epochs {
		fmt.Fprintf(out, "epoch=%d loss=%.4f acc=%.3f val_loss=%.4f val_acc=%.3f macro_f1=%.3f\n", e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.MacroF1)
	}
	return nil
}

func runRuns(ctx context.Context, args []string, out io.Writer) error {
	c, err := parseWithClient(flag.NewFlagSet("runs", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp struct {
		Runs []stats.RunIndexEntry `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/training/runs", nil, &resp); err != nil {
		return err
	}
	for _, r := range resp.Runs {
		fmt.Fprintf(out, "run_id=%s architecture=%s status=%s epochs=%d steps=%s val_acc=%.3f created_at=%s\n",
			r.RunID, r.Architecture, r.Status, r.Epochs, humanize.Comma(int64(r.Steps)), r.FinalValAccuracy, r.CreatedAtUTC)
	}
	return nil
}

func parseRunID(fs *flag.FlagSet, args []string) (*client, string, error) {
	runID := fs.String("run-id", "", "archived run id")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return nil, "", err
	}
	if *runID == "" {
		return nil, "", usageError(fs.Name() + " requires -run-id")
	}
	return c, *runID, nil
}

func runDetail(ctx context.Context, args []string, out io.Writer) error {
	c, runID, err := parseRunID(flag.NewFlagSet("run", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var detail platform.RunDetail
	if err := c.do(ctx, http.MethodGet, "/training/runs/"+runID, nil, &detail); err != nil {
		return err
	}
	sum := detail.Summary
	fmt.Fprintf(out, "run_id=%s status=%s dataset=%s architecture=%s\n", detail.Config.RunID, detail.Config.Status, detail.Config.Dataset, detail.Config.Training.Architecture)
	fmt.Fprintf(out, "steps=%s epochs=%d initial_loss=%.4f final_loss=%.4f best_val_acc=%.3f best_epoch=%d\n",
		humanize.Comma(int64(sum.Steps)), sum.Epochs, sum.InitialLoss, sum.FinalLoss, sum.BestValAccuracy, sum.BestEpoch)
	fmt.Fprintf(out, "batch_losses=%d\n", len(detail.BatchLosses))
	return nil
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	c, runID, err := parseRunID(flag.NewFlagSet("export", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/training/runs/"+runID+"/export", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "exported run_id=%s path=%s\n", runID, resp.Path)
	return nil
}

func runModels(ctx context.Context, args []string, out io.Writer) error {
	c, err := parseWithClient(flag.NewFlagSet("models", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp struct {
		Models []model.ModelRecord `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/models", nil, &resp); err != nil {
		return err
	}
	for _, m := range resp.Models {
		fmt.Fprintf(out, "name=%s architecture=%s val_acc=%.3f saved=%s path=%s\n", m.Name, m.Architecture, m.ValAccuracy, humanize.Time(m.CreatedAt), m.Path)
	}
	return nil
}

func parseName(fs *flag.FlagSet, args []string) (*client, string, error) {
	name := fs.String("name", "", "saved model name")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return nil, "", err
	}
	if *name == "" {
		return nil, "", usageError(fs.Name() + " requires -name")
	}
	return c, *name, nil
}

func runSave(ctx context.Context, args []string, out io.Writer) error {
	c, name, err := parseName(flag.NewFlagSet("save", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp struct {
		Path  string            `json:"path"`
		Model model.ModelRecord `json:"model"`
	}
	if err := c.do(ctx, http.MethodPost, "/models/save", map[string]string{"name": name}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "saved name=%s architecture=%s path=%s\n", resp.Model.Name, resp.Model.Architecture, resp.Path)
	return nil
}

func runLoad(ctx context.Context, args []string, out io.Writer) error {
	c, name, err := parseName(flag.NewFlagSet("load", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	var resp struct {
		Name         string             `json:"name"`
		Architecture model.Architecture `json:"model_type"`
	}
	if err := c.do(ctx, http.MethodPost, "/models/load", map[string]string{"name": name}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(out, "loaded name=%s architecture=%s\n", resp.Name, resp.Architecture)
	return nil
}

func runDelete(ctx context.Context, args []string, out io.Writer) error {
	c, name, err := parseName(flag.NewFlagSet("delete", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodDelete, "/models/"+name, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "deleted name=%s\n", name)
	return nil
}

func runSwitch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("switch", flag.ContinueOnError)
	arch := fs.String("model", "", "architecture to activate: ann|cnn|rnn")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	if *arch == "" {
		return usageError("switch requires -model")
	}
	if err := c.do(ctx, http.MethodPost, "/model/switch", map[string]string{"model_type": *arch}, nil); err != nil {
		return err
	}
	fmt.Fprintf(out, "active_model=%s\n", *arch)
	return nil
}

func runInfo(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	arch := fs.String("model", "", "architecture (active model when empty)")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}
	var info inference.ModelInfo
	if err := c.do(ctx, http.MethodGet, "/model/info?model_type="+*arch, nil, &info); err != nil {
		return err
	}
	fmt.Fprintf(out, "architecture=%s active=%t params=%s steps=%s input=%v output=%v\n",
		info.Architecture, info.Active, info.ParamsHuman, humanize.Comma(int64(info.Steps)), info.InputShape, info.OutputShape)
	for _, layer := range info.Layers {
		fmt.Fprintf(out, "  layer=%s type=%s params=%s output=%v\n", layer.Name, layer.Type, humanize.Comma(int64(layer.Params)), layer.OutputShape)
	}
	return nil
}

func runPredict(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	digit := fs.String("sample", "", "use the server's sample input for this digit")
	inputPath := fs.String("input", "", "JSON file holding a flat pixel array")
	arch := fs.String("model", "", "architecture (active model when empty)")
	asJSON := fs.Bool("json", false, "print the full prediction JSON")
	c, err := parseWithClient(fs, args)
	if err != nil {
		return err
	}

	var pixels []float64
	switch {
	case *inputPath != "":
		data, err := os.ReadFile(*inputPath)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &pixels); err != nil {
			return fmt.Errorf("decode input: %w", err)
		}
	case *digit != "":
		var samples map[string][]float64
		if err := c.do(ctx, http.MethodGet, "/samples", nil, &samples); err != nil {
			return err
		}
		var ok bool
		if pixels, ok = samples[*digit]; !ok {
			return fmt.Errorf("no sample for digit %q", *digit)
		}
	default:
		pixels = make([]float64, dataset.ImageSize)
	}

	var pred inference.Prediction
	if err := c.do(ctx, http.MethodPost, "/predict", map[string]any{"pixels": pixels, "model_type": *arch}, &pred); err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(pred)
	}
	exp := pred.Explanation
	fmt.Fprintf(out, "prediction=%d confidence=%.3f level=%s architecture=%s\n", pred.Prediction, exp.Confidence, exp.ConfidenceLevel, pred.Architecture)
	for _, comp := range exp.Competitors {
		fmt.Fprintf(out, "  competitor=%d probability=%.3f\n", comp.Class, comp.Probability)
	}
	notes := append([]string(nil), exp.UncertaintyNotes...)
	sort.Strings(notes)
	if len(notes) > 0 {
		fmt.Fprintf(out, "  notes: %s\n", strings.Join(notes, "; "))
	}
	return nil
}
