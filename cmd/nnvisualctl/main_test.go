package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nnvisual/internal/api"
	"nnvisual/internal/dataset"
	"nnvisual/internal/model"
	"nnvisual/internal/platform"
	"nnvisual/internal/storage"
)

func startServer(t *testing.T) string {
	t.Helper()
	cfg := model.DefaultTrainingConfig()
	cfg.BatchSize = 32
	cfg.Epochs = 1
	svc, err := platform.NewService(platform.Config{
		Store:        storage.NewMemoryStore(),
		Dataset:      dataset.Synthetic{Train: 64, Validation: 16, Seed: 9, Noise: 0.05},
		Training:     cfg,
		ArtifactsDir: t.TempDir(),
		Untrained:    true,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("init service: %v", err)
	}
	srv, err := api.New(api.Options{Service: svc})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = svc.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := run(ctx, args, &out)
	return out.String(), err
}

func TestRunRequiresKnownCommand(t *testing.T) {
	if _, err := runCtl(t); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
	if _, err := runCtl(t, "frobnicate"); err == nil || !strings.Contains(err.Error(), "unknown command: frobnicate") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if _, err := runCtl(t, "health", "-server", "ftp://example.com"); err == nil {
		t.Fatal("expected invalid scheme error")
	}
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		ev   event
		want string
	}{
		{event{Type: "status", Status: "training", RunID: "r1"}, "status=training run_id=r1"},
		{event{Type: "batch_update", Epoch: 1, Batch: 2, TotalBatches: 4, Step: 1200, Loss: 0.5}, "epoch=1 batch=2/4 step=1,200 loss=0.5000"},
		{event{Type: "training_complete", Epochs: 2, Steps: 8, DurationNS: int64(1500 * time.Millisecond)}, "completed epochs=2 steps=8 val_acc=0.000 in 1.5s"},
		{event{Type: "error", Message: "Unknown command: x"}, "error: Unknown command: x"},
		{event{Type: "weights"}, ""},
	}
	for _, tc := range cases {
		got := formatEvent(tc.ev)
		if !strings.HasPrefix(got, tc.want) || (tc.want == "" && got != "") {
			t.Fatalf("%s: expected prefix %q, got %q", tc.ev.Type, tc.want, got)
		}
	}
}

func TestRenderRawAndTerminal(t *testing.T) {
	var out bytes.Buffer
	p := newProgress(&out, true)
	ev, err := p.render([]byte(`{"type":"training_stopped","status":"stopped","steps":3}`))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !ev.terminal() || ev.Steps != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if strings.TrimSpace(out.String()) != `{"type":"training_stopped","status":"stopped","steps":3}` {
		t.Fatalf("raw mode rewrote the event: %q", out.String())
	}
	if _, err := p.render([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTrainPredictAndManageModels(t *testing.T) {
	server := startServer(t)

	out, err := runCtl(t, "health", "-server", server)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out, "status=ok") || !strings.Contains(out, "active_model=ann") {
		t.Fatalf("unexpected health output %q", out)
	}

	if _, err := runCtl(t, "command", "-server", server, "pause"); err == nil {
		t.Fatal("expected pause while idle to fail")
	} else {
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.Status != 409 {
			t.Fatalf("expected 409 api error, got %v", err)
		}
	}

	cfgPath := filepath.Join(t.TempDir(), "train.json")
	if err := os.WriteFile(cfgPath, []byte(`{"optimizer":"sgd"}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out, err = runCtl(t, "configure", "-server", server, "-config", cfgPath, "-lr", "0.05")
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !strings.Contains(out, "optimizer=sgd lr=0.05") {
		t.Fatalf("unexpected configure output %q", out)
	}

	out, err = runCtl(t, "train", "-server", server, "-epochs", "1")
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if !strings.Contains(out, "completed epochs=1") {
		t.Fatalf("expected completion line, got %q", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		out, err = runCtl(t, "runs", "-server", server)
		if err != nil {
			t.Fatalf("runs: %v", err)
		}
		if strings.Contains(out, "status=completed") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run was not archived, runs output %q", out)
		}
		time.Sleep(20 * time.Millisecond)
	}
	runID := strings.TrimPrefix(strings.Fields(out)[0], "run_id=")
	out, err = runCtl(t, "run", "-server", server, "-run-id", runID)
	if err != nil {
		t.Fatalf("run detail: %v", err)
	}
	if !strings.Contains(out, "dataset=synthetic") || !strings.Contains(out, "batch_losses=2") {
		t.Fatalf("unexpected run detail %q", out)
	}
	if out, err = runCtl(t, "export", "-server", server, "-run-id", runID); err != nil || !strings.Contains(out, "exported run_id="+runID) {
		t.Fatalf("export: %q %v", out, err)
	}

	out, err = runCtl(t, "history", "-server", server)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "epoch=1 ") {
		t.Fatalf("unexpected history %q", out)
	}

	out, err = runCtl(t, "predict", "-server", server, "-sample", "4")
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if !strings.Contains(out, "prediction=") || !strings.Contains(out, "competitor=") {
		t.Fatalf("unexpected predict output %q", out)
	}

	if _, err := runCtl(t, "save", "-server", server); err == nil {
		t.Fatal("expected save without -name to fail")
	}
	if out, err = runCtl(t, "save", "-server", server, "-name", "digits"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.Contains(out, "saved name=digits architecture=ann") {
		t.Fatalf("unexpected save output %q", out)
	}
	if out, err = runCtl(t, "models", "-server", server); err != nil || !strings.Contains(out, "name=digits") {
		t.Fatalf("models: %q %v", out, err)
	}
	if _, err = runCtl(t, "load", "-server", server, "-name", "digits"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err = runCtl(t, "delete", "-server", server, "-name", "digits"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err = runCtl(t, "delete", "-server", server, "-name", "digits"); err == nil {
		t.Fatal("expected second delete to fail")
	}

	if _, err := runCtl(t, "switch", "-server", server, "-model", "transformer"); err == nil {
		t.Fatal("expected switch to unknown architecture to fail")
	}
	out, err = runCtl(t, "info", "-server", server)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !strings.Contains(out, "architecture=ann active=true params=109,386") {
		t.Fatalf("unexpected info output %q", out)
	}
}
