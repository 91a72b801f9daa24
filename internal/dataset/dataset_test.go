package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"nnvisual/internal/model"
)

func writeGzip(t *testing.T, path string, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func idxImages(count int, fill func(i, j int) byte) []byte {
	data := make([]byte, 16+count*ImageSize)
	binary.BigEndian.PutUint32(data[0:4], imageMagic)
	binary.BigEndian.PutUint32(data[4:8], uint32(count))
	binary.BigEndian.PutUint32(data[8:12], ImageSide)
	binary.BigEndian.PutUint32(data[12:16], ImageSide)
	for i := 0; i < count; i++ {
		for j := 0; j < ImageSize; j++ {
			data[16+i*ImageSize+j] = fill(i, j)
		}
	}
	return data
}

func idxLabels(labels ...byte) []byte {
	data := make([]byte, 8, 8+len(labels))
	binary.BigEndian.PutUint32(data[0:4], labelMagic)
	binary.BigEndian.PutUint32(data[4:8], uint32(len(labels)))
	return append(data, labels...)
}

func writeMNIST(t *testing.T, dir string) {
	t.Helper()
	writeGzip(t, filepath.Join(dir, trainImages), idxImages(3, func(i, j int) byte { return byte(i * 100) }))
	writeGzip(t, filepath.Join(dir, trainLabels), idxLabels(4, 1, 9))
	writeGzip(t, filepath.Join(dir, testImages), idxImages(1, func(_, j int) byte { return 255 }))
	writeGzip(t, filepath.Join(dir, testLabels), idxLabels(7))
}

func TestMNISTLoadsNormalizedSplits(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir)
	src := Resolve(dir, DefaultSynthetic())
	mnist, ok := src.(*MNIST)
	if !ok {
		t.Fatalf("expected MNIST source, got %T", src)
	}
	mnist.Checksums = nil
	train, validation, err := mnist.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if train.Len() != 3 || validation.Len() != 1 {
		t.Fatalf("unexpected split sizes %d/%d", train.Len(), validation.Len())
	}
	if !reflect.DeepEqual(train.Labels, []int{4, 1, 9}) || validation.Labels[0] != 7 {
		t.Fatalf("unexpected labels %v %v", train.Labels, validation.Labels)
	}
	if train.Inputs[1][0] != 100.0/255 || validation.Inputs[0][783] != 1 {
		t.Fatalf("pixels not normalized: %v %v", train.Inputs[1][0], validation.Inputs[0][783])
	}
}

func TestMNISTRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir)
	_, _, err := (&MNIST{Dir: dir, Checksums: DefaultChecksums}).Load(context.Background())
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected checksum failure, got %v", err)
	}
}

func TestMNISTRejectsCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, dir)
	writeGzip(t, filepath.Join(dir, trainLabels), idxLabels(1, 2))
	if _, _, err := (&MNIST{Dir: dir}).Load(context.Background()); err == nil {
		t.Fatal("expected label count mismatch to fail")
	}
}

func TestResolveFallsBackToSynthetic(t *testing.T) {
	if src := Resolve(t.TempDir(), DefaultSynthetic()); src.Name() != "synthetic" {
		t.Fatalf("expected synthetic source, got %s", src.Name())
	}
	if src := Resolve("", DefaultSynthetic()); src.Name() != "synthetic" {
		t.Fatalf("expected synthetic source for empty dir, got %s", src.Name())
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	src := Synthetic{Train: 30, Validation: 10, Seed: 3, Noise: 0.05}
	trainA, valA, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	trainB, valB, _ := src.Load(context.Background())
	if !reflect.DeepEqual(trainA, trainB) || !reflect.DeepEqual(valA, valB) {
		t.Fatal("same seed produced different data")
	}
	if err := trainA.validate(); err != nil {
		t.Fatalf("invalid synthetic split: %v", err)
	}
	for _, img := range trainA.Inputs {
		for _, v := range img {
			if v < 0 || v > 1 {
				t.Fatalf("pixel %v outside [0, 1]", v)
			}
		}
	}
}

func TestBatchesCoverEveryIndexOnce(t *testing.T) {
	split := Split{Inputs: make([][]float64, 10), Labels: make([]int, 10)}
	batches := split.Batches(4, rand.New(rand.NewSource(1)))
	if len(batches) != 3 || len(batches[2]) != 2 {
		t.Fatalf("unexpected batch layout %v", batches)
	}
	seen := map[int]bool{}
	for _, batch := range batches {
		for _, idx := range batch {
			if seen[idx] {
				t.Fatalf("index %d appears twice", idx)
			}
			seen[idx] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("expected every index once, got %d", len(seen))
	}
}

func TestSamplesPreferDatasetExamples(t *testing.T) {
	img := make([]float64, ImageSize)
	img[0] = 0.5
	samples := Samples(Split{Inputs: [][]float64{img}, Labels: []int{3}})
	if len(samples) != NumClasses {
		t.Fatalf("expected a sample per class, got %d", len(samples))
	}
	if samples["3"][0] != 0.5 {
		t.Fatal("expected dataset example for class 3")
	}
	if !reflect.DeepEqual(samples["4"], FallbackSamples()["4"]) {
		t.Fatal("expected fallback stroke for class 4")
	}
}
