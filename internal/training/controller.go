// Package training runs the pausable, single-steppable background training loop.
package training

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nnvisual/internal/dataset"
	"nnvisual/internal/engine"
	"nnvisual/internal/model"
	"nnvisual/internal/telemetry"
)

const DefaultHistoryCap = 5000

// EngineFactory builds a fresh engine for a run.
type EngineFactory func(cfg model.TrainingConfig) (engine.Engine, error)

// RunResult is handed to Options.OnFinish once the worker leaves its loop.
type RunResult struct {
	RunID     string
	Status    model.TrainingStatus
	Config    model.TrainingConfig
	Engine    engine.Engine
	Batches   []model.BatchSnapshot
	Epochs    []model.EpochSummary
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

type Options struct {
	Config     model.TrainingConfig
	NewEngine  EngineFactory
	Source     dataset.Source
	Sink       telemetry.Sink
	HistoryCap int
	// OnFinish runs on the worker before the terminal status becomes visible.
	OnFinish func(RunResult)
	Logger   *slog.Logger
}

// Metrics is the compact view of the most recent batch.
type Metrics struct {
	Epoch        int       `json:"epoch"`
	Batch        int       `json:"batch"`
	TotalBatches int       `json:"total_batches"`
	Step         int       `json:"step"`
	Loss         float64   `json:"loss"`
	Accuracy     float64   `json:"accuracy"`
	GradientNorm float64   `json:"gradient_norm"`
	Timestamp    time.Time `json:"timestamp"`
}

// StatusInfo is the payload of status events and the training/status query.
type StatusInfo struct {
	Status  model.TrainingStatus `json:"status"`
	Running bool                 `json:"running"`
	RunID   string               `json:"run_id,omitempty"`
	Epoch   int                  `json:"epoch"`
	Batch   int                  `json:"batch"`
	Step    int                  `json:"step"`
	Config  model.TrainingConfig `json:"config"`
	Latest  *Metrics             `json:"latest_metrics,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type nopSink struct{}

func (nopSink) Emit(telemetry.Event) {}

// Controller owns at most one training worker. All methods are safe for
// concurrent use; only the worker appends to the histories.
type Controller struct {
	mu   sync.Mutex
	wake *sync.Cond

	cfg    model.TrainingConfig
	status model.TrainingStatus
	runID  string

	pauseRequested bool
	stopRequested  bool
	stepBatches    int
	stepEpoch      bool

	history    []model.BatchSnapshot
	epochs     []model.EpochSummary
	latest     *Metrics
	lastErr    string
	historyCap int

	cancel context.CancelFunc
	done   chan struct{}

	dataMu sync.Mutex
	data   *loadedData

	newEngine EngineFactory
	source    dataset.Source
	sink      telemetry.Sink
	onFinish  func(RunResult)
	logger    *slog.Logger
}

type loadedData struct {
	train      dataset.Split
	validation dataset.Split
}

func NewController(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == (model.TrainingConfig{}) {
		cfg = model.DefaultTrainingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.NewEngine == nil {
		opts.NewEngine = engine.New
	}
	if opts.Source == nil {
		opts.Source = dataset.DefaultSynthetic()
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		cfg:        cfg,
		status:     model.StatusIdle,
		historyCap: opts.HistoryCap,
		newEngine:  opts.NewEngine,
		source:     opts.Source,
		sink:       opts.Sink,
		onFinish:   opts.OnFinish,
		logger:     opts.Logger,
	}
	c.wake = sync.NewCond(&c.mu)
	return c, nil
}

// Configure replaces the active config. It is rejected while a run is active.
func (c *Controller) Configure(cfg model.TrainingConfig) (model.TrainingConfig, error) {
	if err := cfg.Validate(); err != nil {
		return c.Config(), err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Active() {
		return c.cfg, fmt.Errorf("%w: cannot configure while %s", model.ErrInvalidState, c.status)
	}
	c.cfg = cfg
	c.logger.Info("training configured", "architecture", cfg.Architecture, "optimizer", cfg.Optimizer, "epochs", cfg.Epochs)
	return c.cfg, nil
}

// ConfigureJSON overlays a JSON object onto the active config.
func (c *Controller) ConfigureJSON(raw []byte) (model.TrainingConfig, error) {
	cfg, err := model.DecodeTrainingConfig(raw, c.Config())
	if err != nil {
		return c.Config(), err
	}
	return c.Configure(cfg)
}

func (c *Controller) Config() model.TrainingConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Start launches a new run and returns its id. While a run is active it is
// rejected and nothing changes.
func (c *Controller) Start() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Active() {
		return c.runID, fmt.Errorf("%w: run %s already %s", model.ErrInvalidState, c.runID, c.status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.runID = uuid.NewString()
	c.status = model.StatusRunning
	c.pauseRequested = false
	c.stopRequested = false
	c.stepBatches = 0
	c.stepEpoch = false
	c.history = nil
	c.epochs = nil
	c.latest = nil
	c.lastErr = ""
	c.cancel = cancel
	c.done = make(chan struct{})

	w := &worker{c: c, runID: c.runID, cfg: c.cfg, startedAt: time.Now().UTC()}
	go w.run(ctx, c.done)

	c.logger.Info("training started", "run_id", c.runID, "architecture", c.cfg.Architecture)
	c.emitStatusLocked()
	return c.runID, nil
}

// Pause asks the worker to block at its next batch checkpoint.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.StatusRunning {
		return fmt.Errorf("%w: cannot pause while %s", model.ErrInvalidState, c.status)
	}
	c.pauseRequested = true
	c.stepBatches = 0
	return nil
}

// Resume clears a pause, including one the worker has not observed yet.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.status == model.StatusRunning && c.pauseRequested
	if c.status != model.StatusPaused && !pending {
		return fmt.Errorf("%w: cannot resume while %s", model.ErrInvalidState, c.status)
	}
	c.pauseRequested = false
	c.stepBatches = 0
	c.status = model.StatusRunning
	c.wake.Broadcast()
	c.emitStatusLocked()
	return nil
}

// Stop cancels the run; the worker exits at its next checkpoint.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.StatusRunning && c.status != model.StatusPaused {
		return fmt.Errorf("%w: cannot stop while %s", model.ErrInvalidState, c.status)
	}
	c.stopRequested = true
	c.status = model.StatusStopping
	if c.cancel != nil {
		c.cancel()
	}
	c.wake.Broadcast()
	c.emitStatusLocked()
	return nil
}

// StepBatch releases exactly one batch from a paused run.
func (c *Controller) StepBatch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.StatusPaused {
		return fmt.Errorf("%w: step_batch requires a paused run, status is %s", model.ErrInvalidState, c.status)
	}
	c.stepBatches++
	c.wake.Broadcast()
	return nil
}

// StepEpoch runs until the current epoch ends, then pauses.
func (c *Controller) StepEpoch() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.StatusPaused && c.status != model.StatusRunning {
		return fmt.Errorf("%w: step_epoch requires an active run, status is %s", model.ErrInvalidState, c.status)
	}
	c.stepEpoch = true
	c.pauseRequested = false
	c.stepBatches = 0
	if c.status == model.StatusPaused {
		c.status = model.StatusRunning
		c.emitStatusLocked()
	}
	c.wake.Broadcast()
	return nil
}

func (c *Controller) Status() StatusInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() StatusInfo {
	info := StatusInfo{
		Status:  c.status,
		Running: c.status.Active(),
		RunID:   c.runID,
		Config:  c.cfg,
		Error:   c.lastErr,
	}
	if c.latest != nil {
		latest := *c.latest
		info.Latest = &latest
		info.Epoch = latest.Epoch
		info.Batch = latest.Batch
		info.Step = latest.Step
	}
	return info
}

func (c *Controller) emitStatusLocked() {
	c.sink.Emit(telemetry.Event{Type: telemetry.EventStatus, Payload: c.statusLocked()})
}

// LatestMetrics returns the most recent batch metrics, if any.
func (c *Controller) LatestMetrics() (Metrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return Metrics{}, false
	}
	return *c.latest, true
}

// History returns a copy of the batch snapshots of the current or last run.
func (c *Controller) History() []model.BatchSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.BatchSnapshot(nil), c.history...)
}

func (c *Controller) EpochHistory() []model.EpochSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.EpochSummary(nil), c.epochs...)
}

// Wait blocks until the current worker, if any, has exited.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops an active run, if any, and waits for the worker.
func (c *Controller) Shutdown(ctx context.Context) error {
	_ = c.Stop()
	return c.Wait(ctx)
}

// Dataset returns the train and validation splits, loading them on first use.
func (c *Controller) Dataset(ctx context.Context) (dataset.Split, dataset.Split, error) {
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	if c.data == nil {
		train, validation, err := c.source.Load(ctx)
		if err != nil {
			return dataset.Split{}, dataset.Split{}, err
		}
		c.logger.Info("dataset loaded", "source", c.source.Name(), "train", train.Len(), "validation", validation.Len())
		c.data = &loadedData{train: train, validation: validation}
	}
	return c.data.train, c.data.validation, nil
}
