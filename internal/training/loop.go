package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"nnvisual/internal/dataset"
	"nnvisual/internal/engine"
	"nnvisual/internal/model"
	"nnvisual/internal/telemetry"
)

// Completion is the payload of the training_complete event.
type Completion struct {
	RunID         string        `json:"run_id"`
	Epochs        int           `json:"epochs"`
	Steps         int           `json:"steps"`
	FinalLoss     float64       `json:"final_loss"`
	FinalAccuracy float64       `json:"final_accuracy"`
	ValLoss       float64       `json:"val_loss"`
	ValAccuracy   float64       `json:"val_accuracy"`
	Duration      time.Duration `json:"duration_ns"`
}

// Stopped is the payload of the training_stopped event.
type Stopped struct {
	RunID  string               `json:"run_id"`
	Status model.TrainingStatus `json:"status"`
	Epoch  int                  `json:"epoch"`
	Batch  int                  `json:"batch"`
	Steps  int                  `json:"steps"`
}

// Failure is the payload of the training_error event.
type Failure struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

var errStopped = errors.New("training stopped")

type worker struct {
	c         *Controller
	runID     string
	cfg       model.TrainingConfig
	startedAt time.Time

	eng   engine.Engine
	step  int
	epoch int
	batch int
}

func (w *worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := w.train(ctx)
	switch {
	case err == nil:
		w.finish(model.StatusCompleted, nil)
	case errors.Is(err, errStopped):
		if w.step == 0 {
			w.finish(model.StatusIdle, nil)
		} else {
			w.finish(model.StatusStopped, nil)
		}
	default:
		w.finish(model.StatusError, err)
	}
}

func (w *worker) train(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: training panicked: %v", model.ErrEngineFault, r)
		}
	}()

	trainSplit, validation, err := w.c.Dataset(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return err
	}
	trainSplit = trainSplit.Limit(w.cfg.TrainLimit)
	validation = validation.Limit(w.cfg.ValidationLimit)
	if trainSplit.Len() == 0 {
		return fmt.Errorf("%w: training split is empty", model.ErrInvalidInput)
	}

	w.eng, err = w.c.newEngine(w.cfg)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(w.cfg.Seed))

	for epoch := 1; epoch <= w.cfg.Epochs; epoch++ {
		w.epoch = epoch
		began := time.Now()
		batches := trainSplit.Batches(w.cfg.BatchSize, rng)
		losses := make([]float64, 0, len(batches))
		accuracies := make([]float64, 0, len(batches))
		for i, indices := range batches {
			if !w.c.checkpoint() {
				return errStopped
			}
			snap, err := w.trainBatch(epoch, i+1, len(batches), trainSplit, indices)
			if err != nil {
				return err
			}
			losses = append(losses, snap.Loss)
			accuracies = append(accuracies, snap.Accuracy)
		}
		if w.c.stopRequestedNow() {
			return errStopped
		}
		summary, err := w.evaluate(validation)
		if err != nil {
			return err
		}
		summary.RunID = w.runID
		summary.Epoch = epoch
		summary.Batches = len(batches)
		summary.Loss = mean(losses)
		summary.Accuracy = mean(accuracies)
		summary.Duration = time.Since(began)
		summary.Timestamp = time.Now().UTC()
		w.c.recordEpoch(summary)
	}
	return nil
}

func (w *worker) trainBatch(epoch, batch, total int, split dataset.Split, indices []int) (model.BatchSnapshot, error) {
	inputs, labels := split.Gather(indices)
	res, err := w.eng.TrainStep(engine.Batch{Inputs: inputs, Labels: labels})
	if err != nil {
		return model.BatchSnapshot{}, asEngineFault(err)
	}
	probe, err := w.eng.Forward(inputs[0])
	if err != nil {
		return model.BatchSnapshot{}, asEngineFault(err)
	}
	grads, norm := GradientSummary(res.Gradients)
	w.step++
	w.batch = batch
	snap := model.BatchSnapshot{
		RunID:        w.runID,
		Epoch:        epoch,
		Batch:        batch,
		TotalBatches: total,
		Step:         w.step,
		Loss:         res.Loss,
		Accuracy:     res.Accuracy,
		LearningRate: w.cfg.LearningRate,
		GradientNorm: norm,
		Activations:  ActivationSummary(probe),
		Gradients:    grads,
		Timestamp:    time.Now().UTC(),
	}
	if every := w.cfg.WeightSnapshotEvery; every > 0 && (batch-1)%every == 0 {
		snap.Weights = WeightSnapshots(w.eng.LayerPairs())
	}
	w.c.recordBatch(snap)
	return snap, nil
}

func (w *worker) evaluate(validation dataset.Split) (model.EpochSummary, error) {
	var summary model.EpochSummary
	if validation.Len() == 0 {
		return summary, nil
	}
	res, err := w.eng.Evaluate(engine.Batch{Inputs: validation.Inputs, Labels: validation.Labels})
	if err != nil {
		return summary, asEngineFault(err)
	}
	cm := NewConfusionMatrix(w.eng.NumClasses())
	if err := cm.Update(validation.Labels, res.Predictions); err != nil {
		return summary, asEngineFault(err)
	}
	perClass := cm.PerClass()
	summary.ValLoss = res.Loss
	summary.ValAccuracy = res.Accuracy
	summary.PerClass = perClass
	summary.MacroF1 = MacroF1(perClass)
	summary.ConfusionMatrix = cm.Matrix
	return summary, nil
}

func (w *worker) finish(status model.TrainingStatus, err error) {
	c := w.c
	result := RunResult{
		RunID:     w.runID,
		Status:    status,
		Config:    w.cfg,
		Engine:    w.eng,
		Batches:   c.History(),
		Epochs:    c.EpochHistory(),
		Err:       err,
		StartedAt: w.startedAt,
		EndedAt:   time.Now().UTC(),
	}
	if c.onFinish != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("run finish hook panicked", "run_id", w.runID, "panic", r)
				}
			}()
			c.onFinish(result)
		}()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	switch status {
	case model.StatusCompleted:
		completion := Completion{
			RunID:    w.runID,
			Epochs:   len(result.Epochs),
			Steps:    w.step,
			Duration: result.EndedAt.Sub(w.startedAt),
		}
		if n := len(result.Epochs); n > 0 {
			last := result.Epochs[n-1]
			completion.FinalLoss = last.Loss
			completion.FinalAccuracy = last.Accuracy
			completion.ValLoss = last.ValLoss
			completion.ValAccuracy = last.ValAccuracy
		}
		c.logger.Info("training completed", "run_id", w.runID, "epochs", completion.Epochs, "val_accuracy", completion.ValAccuracy)
		c.sink.Emit(telemetry.Event{Type: telemetry.EventComplete, Payload: completion})
	case model.StatusError:
		c.lastErr = err.Error()
		c.logger.Error("training failed", "run_id", w.runID, "error", err)
		c.sink.Emit(telemetry.Event{Type: telemetry.EventError, Payload: Failure{RunID: w.runID, Error: err.Error()}})
	default:
		c.logger.Info("training stopped", "run_id", w.runID, "status", status, "steps", w.step)
		c.sink.Emit(telemetry.Event{Type: telemetry.EventStopped, Payload: Stopped{
			RunID:  w.runID,
			Status: status,
			Epoch:  w.epoch,
			Batch:  w.batch,
			Steps:  w.step,
		}})
	}
	c.emitStatusLocked()
}

// checkpoint blocks while the run is paused. It returns false once a stop is requested.
func (c *Controller) checkpoint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.stopRequested {
			return false
		}
		if !c.pauseRequested {
			return true
		}
		if c.stepBatches > 0 {
			c.stepBatches--
			return true
		}
		if c.status != model.StatusPaused {
			c.status = model.StatusPaused
			c.logger.Info("training paused", "run_id", c.runID)
			c.emitStatusLocked()
		}
		c.wake.Wait()
	}
}

func (c *Controller) stopRequestedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

func (c *Controller) recordBatch(snap model.BatchSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) >= c.historyCap {
		drop := len(c.history) - c.historyCap + 1
		c.history = append(c.history[:0:0], c.history[drop:]...)
	}
	c.history = append(c.history, snap)
	c.latest = &Metrics{
		Epoch:        snap.Epoch,
		Batch:        snap.Batch,
		TotalBatches: snap.TotalBatches,
		Step:         snap.Step,
		Loss:         snap.Loss,
		Accuracy:     snap.Accuracy,
		GradientNorm: snap.GradientNorm,
		Timestamp:    snap.Timestamp,
	}
	c.sink.Emit(telemetry.Event{Type: telemetry.EventBatch, Payload: snap})
}

// recordEpoch appends the summary and turns a pending step_epoch into a pause.
func (c *Controller) recordEpoch(summary model.EpochSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs = append(c.epochs, summary)
	c.logger.Info("epoch finished", "run_id", summary.RunID, "epoch", summary.Epoch, "loss", summary.Loss, "val_accuracy", summary.ValAccuracy)
	c.sink.Emit(telemetry.Event{Type: telemetry.EventEpoch, Payload: summary})
	if c.stepEpoch {
		c.stepEpoch = false
		c.pauseRequested = true
		c.stepBatches = 0
	}
}

func asEngineFault(err error) error {
	if errors.Is(err, model.ErrEngineFault) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrEngineFault, err)
}
