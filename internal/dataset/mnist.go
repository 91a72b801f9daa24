package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	trainImages = "train-images-idx3-ubyte.gz"
	trainLabels = "train-labels-idx1-ubyte.gz"
	testImages  = "t10k-images-idx3-ubyte.gz"
	testLabels  = "t10k-labels-idx1-ubyte.gz"

	imageMagic = 2051
	labelMagic = 2049
)

var mnistFiles = []string{trainImages, trainLabels, testImages, testLabels}

// DefaultChecksums are the sha256 digests of the published MNIST archives.
var DefaultChecksums = map[string]string{
	trainImages: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabels: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImages:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabels:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

// MNIST reads the gzipped IDX archives from Dir. The t10k set is the validation split.
type MNIST struct {
	Dir string
	// Checksums maps archive names to expected sha256 digests; nil skips verification.
	Checksums map[string]string
}

func (m *MNIST) Name() string { return "mnist" }

func (m *MNIST) Load(ctx context.Context) (Split, Split, error) {
	train, err := m.loadSplit(ctx, trainImages, trainLabels)
	if err != nil {
		return Split{}, Split{}, loadError(m.Name(), err)
	}
	validation, err := m.loadSplit(ctx, testImages, testLabels)
	if err != nil {
		return Split{}, Split{}, loadError(m.Name(), err)
	}
	return train, validation, nil
}

func (m *MNIST) loadSplit(ctx context.Context, imagesName, labelsName string) (Split, error) {
	if err := ctx.Err(); err != nil {
		return Split{}, err
	}
	rawImages, err := m.read(imagesName)
	if err != nil {
		return Split{}, err
	}
	rawLabels, err := m.read(labelsName)
	if err != nil {
		return Split{}, err
	}
	images, err := parseImages(rawImages)
	if err != nil {
		return Split{}, fmt.Errorf("%s: %w", imagesName, err)
	}
	labels, err := parseLabels(rawLabels)
	if err != nil {
		return Split{}, fmt.Errorf("%s: %w", labelsName, err)
	}
	split := Split{Inputs: images, Labels: labels}
	if err := split.validate(); err != nil {
		return Split{}, err
	}
	return split, nil
}

func (m *MNIST) read(name string) ([]byte, error) {
	path := filepath.Join(m.Dir, name)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if want, ok := m.Checksums[name]; ok {
		sum := sha256.Sum256(compressed)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, fmt.Errorf("checksum mismatch for %s: got %s", path, got)
		}
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gunzip %s: %w", path, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func parseImages(data []byte) ([][]float64, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("truncated image header")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != imageMagic {
		return nil, fmt.Errorf("unexpected image magic %d", magic)
	}
	count := int(binary.BigEndian.Uint32(data[4:8]))
	rows := int(binary.BigEndian.Uint32(data[8:12]))
	cols := int(binary.BigEndian.Uint32(data[12:16]))
	if rows != ImageSide || cols != ImageSide {
		return nil, fmt.Errorf("unexpected image size %dx%d", rows, cols)
	}
	pixels := data[16:]
	if len(pixels) != count*ImageSize {
		return nil, fmt.Errorf("expected %d pixels, got %d", count*ImageSize, len(pixels))
	}
	images := make([][]float64, count)
	for i := range images {
		img := make([]float64, ImageSize)
		for j, p := range pixels[i*ImageSize : (i+1)*ImageSize] {
			img[j] = float64(p) / 255
		}
		images[i] = img
	}
	return images, nil
}

func parseLabels(data []byte) ([]int, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("truncated label header")
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != labelMagic {
		return nil, fmt.Errorf("unexpected label magic %d", magic)
	}
	count := int(binary.BigEndian.Uint32(data[4:8]))
	if len(data)-8 != count {
		return nil, fmt.Errorf("expected %d labels, got %d", count, len(data)-8)
	}
	labels := make([]int, count)
	for i, b := range data[8:] {
		labels[i] = int(b)
	}
	return labels, nil
}
