package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"nnvisual/internal/model"
)

func csvRow(label string, pixel string) string {
	cells := make([]string, 0, ImageSize+1)
	cells = append(cells, label)
	for i := 0; i < ImageSize; i++ {
		cells = append(cells, pixel)
	}
	return strings.Join(cells, ",")
}

func csvHeader() string {
	cells := []string{"label"}
	for i := 0; i < ImageSize; i++ {
		cells = append(cells, "px")
	}
	return strings.Join(cells, ",")
}

func TestReadCSVScalesIntensities(t *testing.T) {
	data := strings.Join([]string{csvHeader(), csvRow("3", "255"), "", csvRow("7", "0")}, "\n")
	split, err := ReadCSV(context.Background(), strings.NewReader(data), "")
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if split.Len() != 2 || split.Labels[0] != 3 || split.Labels[1] != 7 {
		t.Fatalf("unexpected labels %v", split.Labels)
	}
	if split.Inputs[0][0] != 1 || split.Inputs[1][0] != 0 {
		t.Fatalf("expected pixels scaled into [0,1], got %v and %v", split.Inputs[0][0], split.Inputs[1][0])
	}
}

func TestReadCSVWithoutHeaderKeepsUnitPixels(t *testing.T) {
	split, err := ReadCSV(context.Background(), strings.NewReader(csvRow("1", "0.5")), "")
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if split.Len() != 1 || split.Inputs[0][10] != 0.5 {
		t.Fatalf("unexpected split %+v", split.Labels)
	}
}

func TestReadCSVRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"short row":     "4,0,0",
		"bad label":     csvRow("12", "0"),
		"missing label": strings.Replace(csvHeader(), "label", "digit", 1) + "\n" + csvRow("1", "0"),
	}
	for name, data := range cases {
		if _, err := ReadCSV(context.Background(), strings.NewReader(data), ""); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolvePicksCSVExport(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{trainCSV, testCSV} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(csvHeader()+"\n"+csvRow("2", "128")+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	src := Resolve(dir, DefaultSynthetic())
	if src.Name() != "mnist-csv" {
		t.Fatalf("expected csv source, got %s", src.Name())
	}
	train, validation, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if train.Len() != 1 || validation.Len() != 1 {
		t.Fatalf("unexpected split sizes %d/%d", train.Len(), validation.Len())
	}

	if err := os.WriteFile(filepath.Join(dir, testCSV), []byte("x"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, _, err := src.Load(context.Background()); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input for corrupt file, got %v", err)
	}
}
