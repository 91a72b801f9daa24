package training

import (
	"math"
	"testing"

	"nnvisual/internal/engine"
	"nnvisual/internal/model"
)

func TestConfusionMatrixPerClassMetrics(t *testing.T) {
	cm := NewConfusionMatrix(3)
	if err := cm.Update([]int{0, 0, 1, 1, 1}, []int{0, 1, 1, 1, 0}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if cm.Total != 5 || cm.Matrix[0][1] != 1 || cm.Matrix[1][0] != 1 || cm.Matrix[1][1] != 2 {
		t.Fatalf("unexpected matrix %+v", cm.Matrix)
	}
	perClass := cm.PerClass()
	if perClass[0].Precision != 0.5 || perClass[0].Recall != 0.5 || perClass[0].Support != 2 {
		t.Fatalf("unexpected class 0 metrics %+v", perClass[0])
	}
	if math.Abs(perClass[1].Precision-2.0/3) > 1e-12 || math.Abs(perClass[1].Recall-2.0/3) > 1e-12 {
		t.Fatalf("unexpected class 1 metrics %+v", perClass[1])
	}
	if perClass[2] != (model.ClassMetrics{Class: 2}) {
		t.Fatalf("expected empty class 2 metrics, got %+v", perClass[2])
	}
	want := (0.5 + 2.0/3) / 2
	if got := MacroF1(perClass); math.Abs(got-want) > 1e-12 {
		t.Fatalf("expected macro F1 %v over present classes, got %v", want, got)
	}
}

func TestConfusionMatrixRejectsLengthMismatch(t *testing.T) {
	if err := NewConfusionMatrix(2).Update([]int{0}, []int{0, 1}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestGradientSummaryCombinesNorms(t *testing.T) {
	stats, overall := GradientSummary([]engine.Tensor{
		{Name: "a.kernel", Data: []float64{3, 4}},
		{Name: "b.bias", Data: []float64{0, 12}},
	})
	if stats["a.kernel"].Norm != 5 || stats["b.bias"].Norm != 12 || stats["b.bias"].MaxAbs != 12 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if overall != 13 {
		t.Fatalf("expected overall norm 13, got %v", overall)
	}
}

func TestWeightSnapshotsSummarizeLargeKernels(t *testing.T) {
	small := engine.Tensor{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}
	large := engine.Tensor{Shape: []int{weightValueLimit + 1, 1}, Data: make([]float64, weightValueLimit+1)}
	snaps := WeightSnapshots([]engine.LayerPair{
		{Name: "small", Kernel: small},
		{Name: "large", Kernel: large},
	})
	if snaps["small"].Summary || len(snaps["small"].Values) != 4 || snaps["small"].Max != 4 {
		t.Fatalf("expected full small snapshot, got %+v", snaps["small"])
	}
	if !snaps["large"].Summary || snaps["large"].Values != nil {
		t.Fatalf("expected summarized large snapshot, got shape %v summary %v", snaps["large"].Shape, snaps["large"].Summary)
	}
}

func TestActivationSummaryUsesFilterMeans(t *testing.T) {
	summary := ActivationSummary(model.PredictionResult{
		Layers:      []model.LayerActivation{{Name: "dense", Values: []float64{1}}},
		FeatureMaps: []model.FeatureMap{{Layer: "conv2d", MeanActivations: []float64{0.2, 0.4}}},
	})
	if len(summary["dense"]) != 1 || len(summary["conv2d"]) != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
