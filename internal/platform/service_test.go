package platform

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"nnvisual/internal/dataset"
	"nnvisual/internal/engine"
	"nnvisual/internal/model"
	"nnvisual/internal/stats"
	"nnvisual/internal/storage"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Dataset == nil {
		cfg.Dataset = dataset.Synthetic{Train: 64, Validation: 16, Seed: 11, Noise: 0.05}
	}
	if cfg.Training == (model.TrainingConfig{}) {
		cfg.Training = model.DefaultTrainingConfig()
		cfg.Training.BatchSize = 32
		cfg.Training.Epochs = 1
	}
	s, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func trainOnce(t *testing.T, s *Service) string {
	t.Helper()
	runID, err := s.Controller().Start()
	if err != nil {
		t.Fatalf("start training: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Controller().Wait(ctx); err != nil {
		t.Fatalf("wait for training: %v", err)
	}
	if status := s.Controller().Status().Status; status != model.StatusCompleted {
		t.Fatalf("expected completed run, got %s", status)
	}
	return runID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestTrainedModelIsPublishedAndRoundTrips(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()
	trainOnce(t, s)

	if s.Inference().ActiveModel() != model.ArchDense {
		t.Fatalf("expected trained dense model active, got %q", s.Inference().ActiveModel())
	}
	input := dataset.FallbackSamples()["4"]
	before, err := s.Inference().Predict(input, "")
	if err != nil {
		t.Fatalf("predict trained model: %v", err)
	}

	record, err := s.SaveModel(ctx, "digits-v1")
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	if record.Architecture != model.ArchDense || record.Path == "" {
		t.Fatalf("unexpected record %+v", record)
	}

	if _, err := s.LoadModel(ctx, "digits-v1"); err != nil {
		t.Fatalf("load model: %v", err)
	}
	after, err := s.Inference().Predict(input, "")
	if err != nil {
		t.Fatalf("predict loaded model: %v", err)
	}
	for i := range before.Probabilities {
		if before.Probabilities[i] != after.Probabilities[i] {
			t.Fatalf("probability %d changed after reload: %v != %v", i, before.Probabilities[i], after.Probabilities[i])
		}
	}

	models, err := s.ListModels(ctx)
	if err != nil || len(models) != 1 || models[0].Name != "digits-v1" {
		t.Fatalf("unexpected model list %+v err=%v", models, err)
	}
	if err := s.DeleteModel(ctx, "digits-v1"); err != nil {
		t.Fatalf("delete model: %v", err)
	}
	if err := s.DeleteModel(ctx, "digits-v1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
	if _, err := s.LoadModel(ctx, "digits-v1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found loading deleted model, got %v", err)
	}
}

func TestSaveModelWithoutAnyModel(t *testing.T) {
	s := newTestService(t, Config{})
	if _, err := s.SaveModel(context.Background(), "empty"); !errors.Is(err, model.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
	if _, err := s.SaveModel(context.Background(), "../escape"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid name, got %v", err)
	}
}

func TestFinishedRunIsArchived(t *testing.T) {
	dir := t.TempDir()
	s := newTestService(t, Config{ArtifactsDir: dir})
	runID := trainOnce(t, s)

	waitFor(t, "run index", func() bool {
		runs, err := s.Runs()
		return err == nil && len(runs) == 1
	})
	runs, _ := s.Runs()
	if runs[0].RunID != runID || runs[0].Status != model.StatusCompleted || runs[0].Epochs != 1 {
		t.Fatalf("unexpected run index %+v", runs[0])
	}
	cfg, ok, err := stats.ReadRunConfig(dir, runID)
	if err != nil || !ok || cfg.Dataset != "synthetic" {
		t.Fatalf("unexpected run config %+v ok=%v err=%v", cfg, ok, err)
	}

	epochs, err := s.RunEpochs(context.Background(), runID)
	if err != nil || len(epochs) != 1 {
		t.Fatalf("unexpected stored epochs %+v err=%v", epochs, err)
	}
	if _, err := s.RunEpochs(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found for unknown run, got %v", err)
	}
}

func TestArchivedRunDetailExportAndEpochFallback(t *testing.T) {
	dir := t.TempDir()
	exportDir := t.TempDir()
	s := newTestService(t, Config{ArtifactsDir: dir, ExportDir: exportDir})
	runID := trainOnce(t, s)
	waitFor(t, "run index", func() bool {
		runs, err := s.Runs()
		return err == nil && len(runs) == 1
	})

	detail, err := s.RunDetail(runID)
	if err != nil {
		t.Fatalf("run detail: %v", err)
	}
	if detail.Config.RunID != runID || detail.Summary.Steps != 2 || len(detail.BatchLosses) != 2 {
		t.Fatalf("unexpected run detail %+v", detail)
	}
	if _, err := s.RunDetail("../etc"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input for traversal id, got %v", err)
	}
	if _, err := s.RunDetail("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	dst, err := s.ExportRun(runID)
	if err != nil {
		t.Fatalf("export run: %v", err)
	}
	if dst != filepath.Join(exportDir, runID) {
		t.Fatalf("unexpected export path %s", dst)
	}
	if cfg, ok, err := stats.ReadRunConfig(exportDir, runID); err != nil || !ok || cfg.RunID != runID {
		t.Fatalf("exported config %+v ok=%v err=%v", cfg, ok, err)
	}
	if _, err := s.ExportRun("missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found exporting unknown run, got %v", err)
	}

	fresh := newTestService(t, Config{ArtifactsDir: dir})
	epochs, err := fresh.RunEpochs(context.Background(), runID)
	if err != nil || len(epochs) != 1 {
		t.Fatalf("expected epochs from artifacts, got %+v err=%v", epochs, err)
	}

	disabled := newTestService(t, Config{})
	if _, err := disabled.ExportRun(runID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found without artifacts dir, got %v", err)
	}
}

func TestInitAutoloadsAndPublishesUntrained(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}
	cfg := model.DefaultTrainingConfig()
	cfg.Architecture = model.ArchRecurrent
	cfg.RecurrentUnits = 8
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	checkpoint := engine.Snapshot(e)
	if _, err := store.SaveModel(ctx, model.ModelRecord{Name: "rnn", Architecture: model.ArchRecurrent}, checkpoint); err != nil {
		t.Fatalf("seed saved model: %v", err)
	}

	s := newTestService(t, Config{Store: store, Autoload: true, Untrained: true})
	for _, m := range s.Inference().AvailableModels() {
		if !m.Loaded {
			t.Fatalf("expected every architecture loaded, got %+v", m)
		}
	}
	info, err := s.Inference().ModelInfo(model.ArchRecurrent)
	if err != nil {
		t.Fatalf("rnn model info: %v", err)
	}
	if info.TotalParams != e.Info().TotalParams {
		t.Fatalf("expected autoloaded rnn with %d params, got %d", e.Info().TotalParams, info.TotalParams)
	}
}

func TestHealthAndSamples(t *testing.T) {
	s := newTestService(t, Config{Untrained: true})
	health := s.Health()
	if health.Status != "ok" || health.Training != model.StatusIdle || health.ActiveModel != model.ArchDense {
		t.Fatalf("unexpected health %+v", health)
	}
	if len(health.Tasks) != 1 || health.Tasks[0].Name != archiverTask || !health.Tasks[0].Running {
		t.Fatalf("expected running archiver task, got %+v", health.Tasks)
	}
	if health.CPU.LogicalCores < 0 || health.CPU.GOMAXPROCS < 1 {
		t.Fatalf("unexpected cpu info %+v", health.CPU)
	}
	samples := s.Samples(context.Background())
	if len(samples) != dataset.NumClasses {
		t.Fatalf("expected %d samples, got %d", dataset.NumClasses, len(samples))
	}
	for digit, input := range samples {
		if len(input) != dataset.ImageSize {
			t.Fatalf("sample %s has %d values", digit, len(input))
		}
	}
}
