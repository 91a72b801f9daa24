package storage

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"nnvisual/internal/dataset"
	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

func trainedCheckpoint(t *testing.T, arch model.Architecture) (engine.Engine, engine.Checkpoint) {
	t.Helper()
	cfg := model.DefaultTrainingConfig()
	cfg.Architecture = arch
	cfg.ConvFilters = 2
	cfg.RecurrentUnits = 4
	e, err := engine.New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	samples := dataset.FallbackSamples()
	batch := engine.Batch{Inputs: [][]float64{samples["1"], samples["2"]}, Labels: []int{1, 2}}
	for i := 0; i < 2; i++ {
		if _, err := e.TrainStep(batch); err != nil {
			t.Fatalf("train step: %v", err)
		}
	}
	return e, engine.Snapshot(e)
}

// exerciseStore checks the behavior every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	original, cp := trainedCheckpoint(t, model.ArchDense)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	saved, err := store.SaveModel(ctx, model.ModelRecord{Name: "digits", Architecture: model.ArchDense, CreatedAt: created, ValAccuracy: 0.5}, cp)
	if err != nil {
		t.Fatalf("save model: %v", err)
	}
	if saved.Path == "" || saved.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("unexpected saved record %+v", saved)
	}

	record, loadedCP, ok, err := store.GetModel(ctx, "digits")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if !ok {
		t.Fatal("expected saved model")
	}
	if record.Name != "digits" || record.Architecture != model.ArchDense || !record.CreatedAt.Equal(created) {
		t.Fatalf("unexpected record %+v", record)
	}
	if loadedCP.Steps != cp.Steps || !reflect.DeepEqual(loadedCP.Tensors, cp.Tensors) {
		t.Fatal("checkpoint tensors changed across save/load")
	}

	restored, err := engine.FromCheckpoint(loadedCP)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	input := dataset.FallbackSamples()["4"]
	want, err := original.Forward(input)
	if err != nil {
		t.Fatalf("forward original: %v", err)
	}
	got, err := restored.Forward(input)
	if err != nil {
		t.Fatalf("forward restored: %v", err)
	}
	for i := range want.Probabilities {
		if math.Float64bits(want.Probabilities[i]) != math.Float64bits(got.Probabilities[i]) {
			t.Fatalf("probability %d differs: %v vs %v", i, want.Probabilities[i], got.Probabilities[i])
		}
	}

	_, rnn := trainedCheckpoint(t, model.ArchRecurrent)
	if _, err := store.SaveModel(ctx, model.ModelRecord{Name: "older", Architecture: model.ArchRecurrent, CreatedAt: created.Add(-time.Hour)}, rnn); err != nil {
		t.Fatalf("save second model: %v", err)
	}
	list, err := store.ListModels(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "digits" || list[1].Name != "older" {
		t.Fatalf("unexpected listing %+v", list)
	}

	if _, err := store.SaveModel(ctx, model.ModelRecord{Name: "../escape", Architecture: model.ArchDense}, cp); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid name rejection, got %v", err)
	}
	if _, err := store.SaveModel(ctx, model.ModelRecord{Name: "mismatch", Architecture: model.ArchConvolutional}, cp); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected architecture mismatch rejection, got %v", err)
	}

	deleted, err := store.DeleteModel(ctx, "digits")
	if err != nil || !deleted {
		t.Fatalf("delete: %v %v", deleted, err)
	}
	if _, _, ok, err := store.GetModel(ctx, "digits"); ok || err != nil {
		t.Fatalf("expected deleted model to be gone, ok=%v err=%v", ok, err)
	}
	if deleted, err := store.DeleteModel(ctx, "digits"); deleted || err != nil {
		t.Fatalf("expected second delete to report missing, got %v %v", deleted, err)
	}

	epochs := []model.EpochSummary{{RunID: "run-1", Epoch: 1, Loss: 0.7, ValAccuracy: 0.8, ConfusionMatrix: [][]int{{1, 0}, {0, 1}}}}
	if err := store.SaveEpochHistory(ctx, "run-1", epochs); err != nil {
		t.Fatalf("save epoch history: %v", err)
	}
	history, ok, err := store.GetEpochHistory(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("get epoch history: ok=%v err=%v", ok, err)
	}
	if len(history) != 1 || history[0].Loss != 0.7 || !reflect.DeepEqual(history[0].ConfusionMatrix, epochs[0].ConfusionMatrix) {
		t.Fatalf("unexpected epoch history %+v", history)
	}
	if _, ok, err := store.GetEpochHistory(ctx, "run-2"); ok || err != nil {
		t.Fatalf("expected missing history, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	_, cp := trainedCheckpoint(t, model.ArchDense)
	if _, err := NewMemoryStore().SaveModel(context.Background(), model.ModelRecord{Name: "a", Architecture: model.ArchDense}, cp); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}

func TestFileStore(t *testing.T) {
	store := NewFileStore(t.TempDir())
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	exerciseStore(t, store)
}

func recordFor(name string, cp engine.Checkpoint) model.ModelRecord {
	return model.ModelRecord{Name: name, Architecture: cp.Architecture, CreatedAt: time.Now().UTC()}
}
