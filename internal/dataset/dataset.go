// Package dataset provides labeled 28x28 digit images for training and samples.
package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"nnvisual/internal/model"
)

const (
	ImageSide  = 28
	ImageSize  = ImageSide * ImageSide
	NumClasses = 10
)

// Split is a set of flat, [0, 1]-normalized images with their labels.
type Split struct {
	Inputs [][]float64
	Labels []int
}

func (s Split) Len() int { return len(s.Inputs) }

// Limit returns at most n leading examples; n <= 0 keeps everything.
func (s Split) Limit(n int) Split {
	if n <= 0 || n >= s.Len() {
		return s
	}
	return Split{Inputs: s.Inputs[:n], Labels: s.Labels[:n]}
}

// Batches partitions a shuffled permutation of the split into index batches.
func (s Split) Batches(batchSize int, rng *rand.Rand) [][]int {
	order := rng.Perm(s.Len())
	batches := make([][]int, 0, (len(order)+batchSize-1)/batchSize)
	for start := 0; start < len(order); start += batchSize {
		end := start + batchSize
		if end > len(order) {
			end = len(order)
		}
		batches = append(batches, order[start:end])
	}
	return batches
}

// Gather returns the inputs and labels at the given indices without copying pixels.
func (s Split) Gather(indices []int) ([][]float64, []int) {
	inputs := make([][]float64, len(indices))
	labels := make([]int, len(indices))
	for i, idx := range indices {
		inputs[i] = s.Inputs[idx]
		labels[i] = s.Labels[idx]
	}
	return inputs, labels
}

func (s Split) validate() error {
	if len(s.Inputs) != len(s.Labels) {
		return fmt.Errorf("%d images but %d labels", len(s.Inputs), len(s.Labels))
	}
	for i, img := range s.Inputs {
		if len(img) != ImageSize {
			return fmt.Errorf("image %d has %d pixels", i, len(img))
		}
		if s.Labels[i] < 0 || s.Labels[i] >= NumClasses {
			return fmt.Errorf("label %d at %d out of range", s.Labels[i], i)
		}
	}
	return nil
}

// Source loads a train and a validation split.
type Source interface {
	Name() string
	Load(ctx context.Context) (train, validation Split, err error)
}

// Resolve picks MNIST when dir holds the four IDX archives, then the CSV export,
// otherwise the synthetic source.
func Resolve(dir string, synthetic Synthetic) Source {
	if dir != "" {
		complete := true
		for _, name := range mnistFiles {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				complete = false
				break
			}
		}
		if complete {
			return &MNIST{Dir: dir, Checksums: DefaultChecksums}
		}
		if fileExists(filepath.Join(dir, trainCSV)) && fileExists(filepath.Join(dir, testCSV)) {
			return &CSV{Dir: dir}
		}
	}
	return synthetic
}

// Samples returns the first example of every class keyed by the class digit.
// Classes missing from split fall back to FallbackSamples.
func Samples(split Split) map[string][]float64 {
	out := FallbackSamples()
	seen := make(map[int]bool, NumClasses)
	for i, label := range split.Labels {
		if seen[label] || len(split.Inputs[i]) != ImageSize {
			continue
		}
		seen[label] = true
		out[fmt.Sprint(label)] = append([]float64(nil), split.Inputs[i]...)
	}
	return out
}

// FallbackSamples draws one vertical stroke per digit.
func FallbackSamples() map[string][]float64 {
	out := make(map[string][]float64, NumClasses)
	for digit := 0; digit < NumClasses; digit++ {
		img := make([]float64, ImageSize)
		left := 10 + digit%3
		for y := 4; y < 24; y++ {
			for x := left; x < left+2; x++ {
				img[y*ImageSide+x] = 1
			}
		}
		out[fmt.Sprint(digit)] = img
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func loadError(source string, err error) error {
	return fmt.Errorf("%w: load %s dataset: %v", model.ErrInvalidInput, source, err)
}
