// Package explain turns a prediction and its output weights into a structured explanation.
package explain

import (
	"fmt"
	"math"
	"sort"

	"nnvisual/internal/edges"
	"nnvisual/internal/model"
	"nnvisual/internal/nn"
)

const (
	topUnits       = 5
	maxCompetitors = 3

	noteLowConfidence = "Low confidence prediction; consider a cleaner stroke."
	noteCloseClasses  = "Top classes are close; model sees ambiguity between candidate digits."
	reasonCompetitor  = "High competing probability compared to winner."
	fallbackEvidence  = "Prediction driven by hidden-layer activation/contribution pattern."
)

// Thresholds are the heuristic cut-offs used to bucket and annotate confidence.
type Thresholds struct {
	High          float64 `json:"high"`
	Medium        float64 `json:"medium"`
	LowConfidence float64 `json:"low_confidence"`
	CloseMargin   float64 `json:"close_margin"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.9, Medium: 0.7, LowConfidence: 0.6, CloseMargin: 0.15}
}

// Level buckets a confidence value; both boundaries are inclusive.
func (t Thresholds) Level(confidence float64) model.ConfidenceLevel {
	switch {
	case confidence >= t.High:
		return model.ConfidenceHigh
	case confidence >= t.Medium:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// Input is everything an explanation needs beyond the prediction itself.
type Input struct {
	Result model.PredictionResult
	// SourceLayer names the layer feeding the output; OutputKernel is its
	// [len(source), classes] row-major weight matrix.
	SourceLayer  string
	OutputKernel []float64
}

// Explainer adds architecture-specific evidence. The set of implementations is closed.
type Explainer interface {
	Architecture() model.Architecture
	addEvidence(in Input, exp *model.Explanation) error
}

// Builder dispatches to one Explainer per architecture.
type Builder struct {
	thresholds Thresholds
	explainers map[model.Architecture]Explainer
}

func NewBuilder(thresholds Thresholds) *Builder {
	b := &Builder{thresholds: thresholds, explainers: make(map[model.Architecture]Explainer)}
	for _, e := range []Explainer{denseExplainer{}, convExplainer{}, recurrentExplainer{}} {
		b.explainers[e.Architecture()] = e
	}
	return b
}

func (b *Builder) Thresholds() Thresholds { return b.thresholds }

// Build fails rather than returning an explanation with missing fields.
func (b *Builder) Build(in Input) (model.Explanation, error) {
	explainer, ok := b.explainers[in.Result.Architecture]
	if !ok {
		return model.Explanation{}, fmt.Errorf("%w: no explainer for %q", model.ErrUnknownModel, in.Result.Architecture)
	}
	probs := in.Result.Probabilities
	if len(probs) == 0 {
		return model.Explanation{}, fmt.Errorf("%w: empty probability vector", model.ErrInvalidInput)
	}
	source, ok := in.Result.Layer(in.SourceLayer)
	if !ok {
		return model.Explanation{}, fmt.Errorf("%w: missing activations for layer %q", model.ErrInvalidInput, in.SourceLayer)
	}

	prediction := nn.Argmax(probs)
	confidence := probs[prediction]
	exp := model.Explanation{
		Architecture:     in.Result.Architecture,
		Prediction:       prediction,
		Confidence:       confidence,
		ConfidenceLevel:  b.thresholds.Level(confidence),
		Evidence:         []string{},
		UncertaintyNotes: []string{},
	}

	contrib, err := edges.Column(source, in.OutputKernel, len(probs), prediction)
	if err != nil {
		return model.Explanation{}, err
	}
	exp.TopUnits = rankUnits(in.SourceLayer, source, contrib, topUnits)

	exp.Competitors, err = competitors(source, in.OutputKernel, probs, prediction)
	if err != nil {
		return model.Explanation{}, err
	}
	exp.Margin = confidence
	if len(exp.Competitors) > 0 {
		exp.Margin = confidence - exp.Competitors[0].Probability
	}

	if confidence < b.thresholds.LowConfidence {
		exp.UncertaintyNotes = append(exp.UncertaintyNotes, noteLowConfidence)
	}
	if len(exp.Competitors) > 0 && exp.Margin < b.thresholds.CloseMargin {
		exp.UncertaintyNotes = append(exp.UncertaintyNotes, noteCloseClasses)
	}

	if err := explainer.addEvidence(in, &exp); err != nil {
		return model.Explanation{}, err
	}
	if len(exp.Evidence) == 0 {
		exp.Evidence = append(exp.Evidence, fallbackEvidence)
	}
	return exp, nil
}

// rankUnits orders units by |contribution| descending, ties by index.
func rankUnits(layer string, activations, contrib []float64, k int) []model.UnitContribution {
	order := make([]int, len(contrib))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return math.Abs(contrib[order[x]]) > math.Abs(contrib[order[y]])
	})
	if k > len(order) {
		k = len(order)
	}
	out := make([]model.UnitContribution, 0, k)
	for _, i := range order[:k] {
		out = append(out, model.UnitContribution{
			Layer:        layer,
			Index:        i,
			Activation:   activations[i],
			Contribution: contrib[i],
		})
	}
	return out
}

func competitors(source, kernel, probs []float64, prediction int) ([]model.Competitor, error) {
	order := make([]int, 0, len(probs)-1)
	for class := range probs {
		if class != prediction {
			order = append(order, class)
		}
	}
	sort.SliceStable(order, func(x, y int) bool { return probs[order[x]] > probs[order[y]] })
	if len(order) > maxCompetitors {
		order = order[:maxCompetitors]
	}
	out := make([]model.Competitor, 0, len(order))
	for _, class := range order {
		contrib, err := edges.Column(source, kernel, len(probs), class)
		if err != nil {
			return nil, err
		}
		support := edges.PositiveSupport(contrib)
		out = append(out, model.Competitor{
			Class:       class,
			Probability: probs[class],
			Support:     &support,
			Reason:      reasonCompetitor,
		})
	}
	return out, nil
}
