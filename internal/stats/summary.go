package stats

import (
	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

// CurvePoint is the mean batch loss over one window of steps ending at Step.
type CurvePoint struct {
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// RunSummary condenses a run's batch and epoch histories.
type RunSummary struct {
	RunID           string  `json:"run_id"`
	Steps           int     `json:"steps"`
	Epochs          int     `json:"epochs"`
	InitialLoss     float64 `json:"initial_loss"`
	FinalLoss       float64 `json:"final_loss"`
	LossMean        float64 `json:"loss_mean"`
	LossStd         float64 `json:"loss_std"`
	LossMin         float64 `json:"loss_min"`
	BestValAccuracy float64 `json:"best_val_accuracy"`
	BestEpoch       int     `json:"best_epoch"`
	FinalMacroF1    float64 `json:"final_macro_f1"`
	Improvement     float64 `json:"improvement"`
}

// BuildLossCurve averages batch loss over consecutive windows of steps. The
// last window may be shorter. window <= 0 uses 20.
func BuildLossCurve(batches []model.BatchSnapshot, window int) []CurvePoint {
	if window <= 0 {
		window = 20
	}
	points := make([]CurvePoint, 0, len(batches)/window+1)
	for start := 0; start < len(batches); start += window {
		end := start + window
		if end > len(batches) {
			end = len(batches)
		}
		values := make([]float64, 0, end-start)
		for _, b := range batches[start:end] {
			values = append(values, b.Loss)
		}
		avg, _ := nn.Avg(values)
		points = append(points, CurvePoint{Step: batches[end-1].Step, Value: avg})
	}
	return points
}

func Summarize(runID string, batches []model.BatchSnapshot, epochs []model.EpochSummary) RunSummary {
	summary := RunSummary{RunID: runID, Epochs: len(epochs)}
	if len(batches) > 0 {
		losses := make([]float64, len(batches))
		for i, b := range batches {
			losses[i] = b.Loss
		}
		s := nn.Summarize(losses)
		summary.Steps = batches[len(batches)-1].Step
		summary.InitialLoss = losses[0]
		summary.FinalLoss = losses[len(losses)-1]
		summary.LossMean = s.Mean
		summary.LossStd = s.Std
		summary.LossMin = s.Min
		summary.Improvement = summary.InitialLoss - summary.FinalLoss
	}
	for _, e := range epochs {
		if summary.BestEpoch == 0 || e.ValAccuracy > summary.BestValAccuracy {
			summary.BestValAccuracy = e.ValAccuracy
			summary.BestEpoch = e.Epoch
		}
	}
	if len(epochs) > 0 {
		summary.FinalMacroF1 = epochs[len(epochs)-1].MacroF1
	}
	return summary
}
