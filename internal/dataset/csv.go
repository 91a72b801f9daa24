package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	trainCSV = "mnist_train.csv"
	testCSV  = "mnist_test.csv"
)

// CSV reads the row-per-image export of MNIST: one label column followed by
// ImageSize pixel columns, with an optional header row. Pixels above 1 are
// treated as 0-255 intensities.
type CSV struct {
	Dir string
	// LabelColumn names the label column when the files carry a header. Empty means "label".
	LabelColumn string
}

func (c *CSV) Name() string { return "mnist-csv" }

func (c *CSV) Load(ctx context.Context) (Split, Split, error) {
	train, err := c.loadFile(ctx, trainCSV)
	if err != nil {
		return Split{}, Split{}, loadError(c.Name(), err)
	}
	validation, err := c.loadFile(ctx, testCSV)
	if err != nil {
		return Split{}, Split{}, loadError(c.Name(), err)
	}
	return train, validation, nil
}

func (c *CSV) loadFile(ctx context.Context, name string) (Split, error) {
	f, err := os.Open(filepath.Join(c.Dir, name))
	if err != nil {
		return Split{}, err
	}
	defer f.Close()
	split, err := ReadCSV(ctx, f, c.LabelColumn)
	if err != nil {
		return Split{}, fmt.Errorf("%s: %w", name, err)
	}
	return split, nil
}

// ReadCSV parses one split. The first row is a header when its label cell is
// not an integer.
func ReadCSV(ctx context.Context, in io.Reader, labelColumn string) (Split, error) {
	if labelColumn == "" {
		labelColumn = "label"
	}
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	var split Split
	labelIdx := 0
	row := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Split{}, fmt.Errorf("read row %d: %w", row+1, err)
		}
		row++
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Split{}, err
			}
		}
		if blankRecord(record) {
			continue
		}
		if row == 1 {
			if _, err := strconv.Atoi(strings.TrimSpace(record[0])); err != nil {
				idx := columnIndex(record, labelColumn)
				if idx < 0 {
					return Split{}, fmt.Errorf("header has no %q column", labelColumn)
				}
				labelIdx = idx
				continue
			}
		}
		if len(record) != ImageSize+1 {
			return Split{}, fmt.Errorf("row %d has %d columns, want %d", row, len(record), ImageSize+1)
		}
		label, err := strconv.Atoi(strings.TrimSpace(record[labelIdx]))
		if err != nil {
			return Split{}, fmt.Errorf("row %d label %q: %w", row, record[labelIdx], err)
		}
		img := make([]float64, 0, ImageSize)
		for i, cell := range record {
			if i == labelIdx {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return Split{}, fmt.Errorf("row %d column %d: %w", row, i+1, err)
			}
			img = append(img, v)
		}
		split.Inputs = append(split.Inputs, img)
		split.Labels = append(split.Labels, label)
	}
	scaleIntensities(split.Inputs)
	if err := split.validate(); err != nil {
		return Split{}, err
	}
	return split, nil
}

// scaleIntensities divides by 255 when any pixel exceeds 1.
func scaleIntensities(images [][]float64) {
	for _, img := range images {
		for _, v := range img {
			if v > 1 {
				for _, scaled := range images {
					for j := range scaled {
						scaled[j] /= 255
					}
				}
				return
			}
		}
	}
}

func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
