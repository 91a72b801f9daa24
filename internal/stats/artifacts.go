// Package stats exports finished training runs as JSON and CSV artifacts.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"nnvisual/internal/model"
)

const (
	runIndexFile     = "run_index.json"
	configFile       = "config.json"
	epochsFile       = "epochs.json"
	summaryFile      = "summary.json"
	lossCurveFile    = "loss_curve.json"
	batchMetricsFile = "batch_metrics.csv"
	epochMetricsFile = "epoch_metrics.csv"
)

// RunConfig records how a run was started and how it ended.
type RunConfig struct {
	RunID     string               `json:"run_id"`
	Status    model.TrainingStatus `json:"status"`
	Dataset   string               `json:"dataset,omitempty"`
	Training  model.TrainingConfig `json:"training"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at"`
	Error     string               `json:"error,omitempty"`
}

type RunArtifacts struct {
	Config  RunConfig
	Batches []model.BatchSnapshot
	Epochs  []model.EpochSummary
	// CurveWindow is the number of steps averaged per loss-curve point.
	CurveWindow int
}

type RunIndexEntry struct {
	RunID            string               `json:"run_id"`
	Architecture     model.Architecture   `json:"architecture"`
	Status           model.TrainingStatus `json:"status"`
	Epochs           int                  `json:"epochs"`
	Steps            int                  `json:"steps"`
	FinalValAccuracy float64              `json:"final_val_accuracy"`
	CreatedAtUTC     string               `json:"created_at_utc"`
}

// WriteRunArtifacts writes every artifact of a run under baseDir/<run_id>.
func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, epochsFile), nonNilEpochs(artifacts.Epochs)); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), Summarize(artifacts.Config.RunID, artifacts.Batches, artifacts.Epochs)); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lossCurveFile), BuildLossCurve(artifacts.Batches, artifacts.CurveWindow)); err != nil {
		return "", err
	}
	if err := WriteBatchMetrics(runDir, artifacts.Batches); err != nil {
		return "", err
	}
	if err := WriteEpochMetrics(runDir, artifacts.Epochs); err != nil {
		return "", err
	}

	return runDir, nil
}

// IndexEntry derives the run index row for finished artifacts.
func IndexEntry(artifacts RunArtifacts) RunIndexEntry {
	entry := RunIndexEntry{
		RunID:        artifacts.Config.RunID,
		Architecture: artifacts.Config.Training.Architecture,
		Status:       artifacts.Config.Status,
		Epochs:       len(artifacts.Epochs),
		Steps:        len(artifacts.Batches),
		CreatedAtUTC: artifacts.Config.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if n := len(artifacts.Batches); n > 0 {
		entry.Steps = artifacts.Batches[n-1].Step
	}
	if n := len(artifacts.Epochs); n > 0 {
		entry.FinalValAccuracy = artifacts.Epochs[n-1].ValAccuracy
	}
	return entry
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns runs newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

// ExportRunArtifacts copies a run directory to outDir/<run_id>.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, epochsFile, summaryFile, lossCurveFile, batchMetricsFile, epochMetricsFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadEpochs(baseDir, runID string) ([]model.EpochSummary, bool, error) {
	var epochs []model.EpochSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, epochsFile), &epochs)
	return epochs, ok, err
}

func ReadSummary(baseDir, runID string) (RunSummary, bool, error) {
	var summary RunSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

// WriteBatchMetrics writes one CSV row per optimization step.
func WriteBatchMetrics(runDir string, batches []model.BatchSnapshot) error {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		rows = append(rows, []string{
			strconv.Itoa(b.Step),
			strconv.Itoa(b.Epoch),
			strconv.Itoa(b.Batch),
			formatFloat(b.Loss),
			formatFloat(b.Accuracy),
			formatFloat(b.GradientNorm),
		})
	}
	return writeCSV(filepath.Join(runDir, batchMetricsFile), []string{"step", "epoch", "batch", "loss", "accuracy", "gradient_norm"}, rows)
}

func WriteEpochMetrics(runDir string, epochs []model.EpochSummary) error {
	rows := make([][]string, 0, len(epochs))
	for _, e := range epochs {
		rows = append(rows, []string{
			strconv.Itoa(e.Epoch),
			formatFloat(e.Loss),
			formatFloat(e.Accuracy),
			formatFloat(e.ValLoss),
			formatFloat(e.ValAccuracy),
			formatFloat(e.MacroF1),
		})
	}
	return writeCSV(filepath.Join(runDir, epochMetricsFile), []string{"epoch", "loss", "accuracy", "val_loss", "val_accuracy", "macro_f1"}, rows)
}

// ReadBatchLosses returns the loss column of batch_metrics.csv in step order.
func ReadBatchLosses(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, batchMetricsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	column := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "loss" {
			column = i
		}
	}
	if column < 0 {
		return nil, false, fmt.Errorf("batch metrics header has no loss column")
	}

	losses := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[column], 64)
		if err != nil {
			return nil, false, err
		}
		losses = append(losses, value)
	}
	return losses, true, nil
}

func nonNilEpochs(epochs []model.EpochSummary) []model.EpochSummary {
	if epochs == nil {
		return []model.EpochSummary{}
	}
	return epochs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
