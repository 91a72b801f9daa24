package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Architecture selects one of the supported network topologies.
type Architecture string

const (
	ArchDense         Architecture = "ann"
	ArchConvolutional Architecture = "cnn"
	ArchRecurrent     Architecture = "rnn"
)

// Architectures lists every supported topology in registry order.
func Architectures() []Architecture {
	return []Architecture{ArchDense, ArchConvolutional, ArchRecurrent}
}

func (a Architecture) Valid() bool {
	switch a {
	case ArchDense, ArchConvolutional, ArchRecurrent:
		return true
	default:
		return false
	}
}

// TrainingStatus is the single source of truth for which controller commands are valid.
type TrainingStatus string

const (
	StatusIdle      TrainingStatus = "idle"
	StatusRunning   TrainingStatus = "running"
	StatusPaused    TrainingStatus = "paused"
	StatusStopping  TrainingStatus = "stopping"
	StatusStopped   TrainingStatus = "stopped"
	StatusCompleted TrainingStatus = "completed"
	StatusError     TrainingStatus = "error"
)

// Active reports whether a training worker owns the run.
func (s TrainingStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusStopping
}

// GradientStats summarizes one trainable parameter group.
type GradientStats struct {
	Size   int     `json:"size"`
	Norm   float64 `json:"norm"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	MaxAbs float64 `json:"max_abs"`
}

// WeightSnapshot carries either the full tensor or only its summary when the tensor is large.
type WeightSnapshot struct {
	Shape   []int     `json:"shape"`
	Values  []float64 `json:"values,omitempty"`
	Summary bool      `json:"summary"`
	Mean    float64   `json:"mean"`
	Std     float64   `json:"std"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
}

// BatchSnapshot is appended once per optimization step and never mutated afterwards.
type BatchSnapshot struct {
	RunID        string                    `json:"run_id"`
	Epoch        int                       `json:"epoch"`
	Batch        int                       `json:"batch"`
	TotalBatches int                       `json:"total_batches"`
	Step         int                       `json:"step"`
	Loss         float64                   `json:"loss"`
	Accuracy     float64                   `json:"accuracy"`
	LearningRate float64                   `json:"learning_rate"`
	GradientNorm float64                   `json:"gradient_norm"`
	Activations  map[string][]float64      `json:"activations"`
	Gradients    map[string]GradientStats  `json:"gradients"`
	Weights      map[string]WeightSnapshot `json:"weights,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

type ClassMetrics struct {
	Class     int     `json:"class"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// EpochSummary is appended once per finished epoch.
type EpochSummary struct {
	RunID           string         `json:"run_id"`
	Epoch           int            `json:"epoch"`
	Batches         int            `json:"batches"`
	Loss            float64        `json:"loss"`
	Accuracy        float64        `json:"accuracy"`
	ValLoss         float64        `json:"val_loss"`
	ValAccuracy     float64        `json:"val_accuracy"`
	MacroF1         float64        `json:"macro_f1"`
	PerClass        []ClassMetrics `json:"per_class,omitempty"`
	ConfusionMatrix [][]int        `json:"confusion_matrix,omitempty"`
	Duration        time.Duration  `json:"duration_ns"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ModelRecord describes a persisted trained model.
type ModelRecord struct {
	VersionedRecord
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	Architecture Architecture `json:"architecture"`
	CreatedAt    time.Time    `json:"created_at"`
	ValAccuracy  float64      `json:"val_accuracy,omitempty"`
}

type LayerActivation struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// FeatureMap summarizes one spatial layer of a convolutional prediction.
type FeatureMap struct {
	Layer           string              `json:"layer_name"`
	Kind            string              `json:"layer_type"`
	Shape           []int               `json:"shape"`
	TopK            int                 `json:"top_k"`
	Ranking         []int               `json:"activation_ranking"`
	MeanActivations []float64           `json:"mean_activations"`
	Maps            map[int][][]float64 `json:"feature_maps"`
}

// KernelSet holds the convolution kernels of the ranked filters of one layer.
type KernelSet struct {
	Layer   string              `json:"layer_name"`
	Shape   []int               `json:"kernel_shape"`
	Kernels map[int][][]float64 `json:"kernels"`
}

// PredictionResult is the outcome of one forward pass for an arbitrary input.
type PredictionResult struct {
	Architecture  Architecture      `json:"model_type"`
	Input         []float64         `json:"input"`
	Prediction    int               `json:"prediction"`
	Confidence    float64           `json:"confidence"`
	Probabilities []float64         `json:"probabilities"`
	Layers        []LayerActivation `json:"layers"`
	FeatureMaps   []FeatureMap      `json:"feature_maps,omitempty"`
	Kernels       []KernelSet       `json:"kernels,omitempty"`
	Timesteps     [][]float64       `json:"timesteps,omitempty"`
}

// Layer returns the activation vector of the named layer.
func (p PredictionResult) Layer(name string) ([]float64, bool) {
	for _, layer := range p.Layers {
		if layer.Name == name {
			return layer.Values, true
		}
	}
	return nil, false
}

// Clone returns a deep copy that shares no slices or maps with p.
func (p PredictionResult) Clone() PredictionResult {
	out := p
	out.Input = append([]float64(nil), p.Input...)
	out.Probabilities = append([]float64(nil), p.Probabilities...)
	if p.Layers != nil {
		out.Layers = make([]LayerActivation, len(p.Layers))
		for i, layer := range p.Layers {
			out.Layers[i] = LayerActivation{Name: layer.Name, Values: append([]float64(nil), layer.Values...)}
		}
	}
	if p.FeatureMaps != nil {
		out.FeatureMaps = make([]FeatureMap, len(p.FeatureMaps))
		for i, fm := range p.FeatureMaps {
			cp := fm
			cp.Shape = append([]int(nil), fm.Shape...)
			cp.Ranking = append([]int(nil), fm.Ranking...)
			cp.MeanActivations = append([]float64(nil), fm.MeanActivations...)
			cp.Maps = cloneGrids(fm.Maps)
			out.FeatureMaps[i] = cp
		}
	}
	if p.Kernels != nil {
		out.Kernels = make([]KernelSet, len(p.Kernels))
		for i, ks := range p.Kernels {
			out.Kernels[i] = KernelSet{
				Layer:   ks.Layer,
				Shape:   append([]int(nil), ks.Shape...),
				Kernels: cloneGrids(ks.Kernels),
			}
		}
	}
	if p.Timesteps != nil {
		out.Timesteps = cloneRows(p.Timesteps)
	}
	return out
}

func cloneGrids(in map[int][][]float64) map[int][][]float64 {
	if in == nil {
		return nil
	}
	out := make(map[int][][]float64, len(in))
	for k, grid := range in {
		out[k] = cloneRows(grid)
	}
	return out
}

func cloneRows(in [][]float64) [][]float64 {
	out := make([][]float64, len(in))
	for i, row := range in {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Edge is a signed influence between a source unit and a destination unit of adjacent layers.
type Edge struct {
	From     int     `json:"from"`
	To       int     `json:"to"`
	Strength float64 `json:"strength"`
}

// NetworkState is a prediction plus ranked edge lists for graph visualization.
type NetworkState struct {
	PredictionResult
	Edges map[string][]Edge `json:"edges"`
}

type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

type UnitContribution struct {
	Layer        string  `json:"layer"`
	Index        int     `json:"index"`
	Activation   float64 `json:"activation"`
	Contribution float64 `json:"contribution"`
}

type Competitor struct {
	Class       int      `json:"digit"`
	Probability float64  `json:"probability"`
	Support     *float64 `json:"support,omitempty"`
	Reason      string   `json:"reason"`
}

type FilterEvidence struct {
	Layer          string  `json:"layer"`
	Filter         int     `json:"filter"`
	MeanActivation float64 `json:"mean_activation"`
	CentroidRow    float64 `json:"centroid_row"`
	CentroidCol    float64 `json:"centroid_col"`
	Region         string  `json:"region"`
}

type TimestepImportance struct {
	Step       int     `json:"step"`
	Importance float64 `json:"importance"`
}

// Explanation is a structured, renderable account of one prediction.
type Explanation struct {
	Architecture     Architecture         `json:"model_type"`
	Prediction       int                  `json:"prediction"`
	Confidence       float64              `json:"confidence"`
	ConfidenceLevel  ConfidenceLevel      `json:"confidence_level"`
	Margin           float64              `json:"margin"`
	Evidence         []string             `json:"evidence"`
	TopUnits         []UnitContribution   `json:"top_neurons"`
	Competitors      []Competitor         `json:"competitors"`
	UncertaintyNotes []string             `json:"uncertainty_notes"`
	Quadrants        map[string]float64   `json:"quadrants,omitempty"`
	Filters          []FilterEvidence     `json:"filters,omitempty"`
	Timesteps        []TimestepImportance `json:"timesteps,omitempty"`
}
