package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
)

type event struct {
	Type         string  `json:"type"`
	Status       string  `json:"status"`
	Message      string  `json:"message"`
	Error        string  `json:"error"`
	RunID        string  `json:"run_id"`
	Epoch        int     `json:"epoch"`
	Batch        int     `json:"batch"`
	TotalBatches int     `json:"total_batches"`
	Step         int     `json:"step"`
	Steps        int     `json:"steps"`
	Epochs       int     `json:"epochs"`
	Loss         float64 `json:"loss"`
	Accuracy     float64 `json:"accuracy"`
	GradientNorm float64 `json:"gradient_norm"`
	ValLoss      float64 `json:"val_loss"`
	ValAccuracy  float64 `json:"val_accuracy"`
	MacroF1      float64 `json:"macro_f1"`
	DurationNS   int64   `json:"duration_ns"`
}

func (e event) terminal() bool {
	switch e.Type {
	case "training_complete", "training_stopped", "training_error":
		return true
	}
	return false
}

// progress renders telemetry. On a terminal batch updates rewrite one line;
// otherwise every event gets its own line.
type progress struct {
	out   io.Writer
	live  bool
	dirty bool
	raw   bool
}

func newProgress(out io.Writer, raw bool) *progress {
	live := false
	if f, ok := out.(*os.File); ok {
		live = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &progress{out: out, live: live, raw: raw}
}

func (p *progress) render(data []byte) (event, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if p.raw {
		fmt.Fprintln(p.out, string(data))
		return ev, nil
	}
	line := formatEvent(ev)
	if line == "" {
		return ev, nil
	}
	if ev.Type == "batch_update" && p.live {
		fmt.Fprintf(p.out, "\r\033[K%s", line)
		p.dirty = true
		return ev, nil
	}
	if p.dirty {
		fmt.Fprintln(p.out)
		p.dirty = false
	}
	fmt.Fprintln(p.out, line)
	return ev, nil
}

func formatEvent(ev event) string {
	switch ev.Type {
	case "status":
		if ev.RunID != "" {
			return fmt.Sprintf("status=%s run_id=%s", ev.Status, ev.RunID)
		}
		return fmt.Sprintf("status=%s", ev.Status)
	case "batch_update":
		return fmt.Sprintf("epoch=%d batch=%d/%d step=%s loss=%.4f acc=%.3f grad_norm=%.4f",
			ev.Epoch, ev.Batch, ev.TotalBatches, humanize.Comma(int64(ev.Step)), ev.Loss, ev.Accuracy, ev.GradientNorm)
	case "epoch_update":
		return fmt.Sprintf("epoch=%d loss=%.4f acc=%.3f val_loss=%.4f val_acc=%.3f macro_f1=%.3f took=%s",
			ev.Epoch, ev.Loss, ev.Accuracy, ev.ValLoss, ev.ValAccuracy, ev.MacroF1, time.Duration(ev.DurationNS).Round(time.Millisecond))
	case "training_complete":
		return fmt.Sprintf("completed epochs=%d steps=%s val_acc=%.3f in %s",
			ev.Epochs, humanize.Comma(int64(ev.Steps)), ev.ValAccuracy, time.Duration(ev.DurationNS).Round(time.Millisecond))
	case "training_stopped":
		return fmt.Sprintf("stopped status=%s epoch=%d batch=%d steps=%s", ev.Status, ev.Epoch, ev.Batch, humanize.Comma(int64(ev.Steps)))
	case "training_error":
		return fmt.Sprintf("training failed: %s", ev.Error)
	case "error":
		return fmt.Sprintf("error: %s", ev.Message)
	default:
		return ""
	}
}
