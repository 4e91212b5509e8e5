package config

import (
	"image/color"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Batch.Bound != 1400 {
		t.Fatalf("expected default bound 1400, got %d", cfg.Batch.Bound)
	}
	if cfg.Batch.CropPattern != "_10_" {
		t.Fatalf("expected default crop pattern, got %q", cfg.Batch.CropPattern)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected memory store by default, got dsn %q", cfg.Database.DSN)
	}
	if cfg.Composite.Format != "jpg" || cfg.Composite.ScalePercent != 100 {
		t.Fatalf("unexpected composite defaults: %+v", cfg.Composite)
	}
	if cfg.Worker.LocalRoot != "" {
		t.Fatalf("expected local_dir batches disabled by default, got root %q", cfg.Worker.LocalRoot)
	}
	if cfg.API.RateLimit != 30 || cfg.API.RateLimitWindow != time.Minute || cfg.API.ClientIDHeader != "X-Client-ID" {
		t.Fatalf("unexpected api defaults: %+v", cfg.API)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PHOTOBATCH_BOUND", "800")
	t.Setenv("PHOTOBATCH_CROP_PATTERN", "")
	t.Setenv("PHOTOBATCH_SCALE_PERCENT", "62.5")
	t.Setenv("WEBHOOK_TIMEOUT", "3s")
	t.Setenv("PHOTOBATCH_WORKERS", "not-a-number")
	t.Setenv("WORKER_LOCAL_ROOT", "/srv/photos")
	t.Setenv("API_RATE_LIMIT", "0")

	cfg := Load()
	if cfg.Batch.Bound != 800 {
		t.Fatalf("expected bound 800, got %d", cfg.Batch.Bound)
	}
	if cfg.Batch.CropPattern != "" {
		t.Fatalf("expected crop pattern to be switched off, got %q", cfg.Batch.CropPattern)
	}
	if cfg.Composite.ScalePercent != 62.5 {
		t.Fatalf("expected scale 62.5, got %v", cfg.Composite.ScalePercent)
	}
	if cfg.Webhook.Timeout != 3*time.Second {
		t.Fatalf("expected webhook timeout 3s, got %v", cfg.Webhook.Timeout)
	}
	if cfg.Batch.Workers < 1 {
		t.Fatalf("expected fallback worker count, got %d", cfg.Batch.Workers)
	}
	if cfg.Worker.LocalRoot != "/srv/photos" || cfg.API.RateLimit != 0 {
		t.Fatalf("unexpected overrides: worker=%+v api=%+v", cfg.Worker, cfg.API)
	}
}

func TestBatchOptions(t *testing.T) {
	opts, err := BatchConfig{Bound: 500, Background: "#102030", Workers: 2}.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Bound != 500 || opts.Workers != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if opts.Background != (color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}) {
		t.Fatalf("unexpected background: %v", opts.Background)
	}

	if _, err := (BatchConfig{Background: "red"}).Options(); err == nil {
		t.Fatalf("expected invalid background error")
	}
}
