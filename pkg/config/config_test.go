package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"nonrigid3d/internal/models"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Pyramid.Shrinks) != len(cfg.Pyramid.Sigmas) {
		t.Errorf("default pyramid schedule lengths differ")
	}
	if cfg.Demons.Normalizer != 10.0 {
		t.Errorf("default normalizer %v, want 10", cfg.Demons.Normalizer)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.BSpline.ControlPointSpacing != want.BSpline.ControlPointSpacing {
		t.Errorf("expected defaults for a missing file")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Pyramid.Shrinks = []float64{2, 1}
	cfg.Pyramid.Sigmas = []float64{1, 0}
	cfg.Metric.Sampling = "random"
	cfg.Metric.Percentage = 0.25
	cfg.Metric.Seed = 42
	cfg.Demons.Symmetric = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Metric.Sampling != "random" || loaded.Metric.Percentage != 0.25 || loaded.Metric.Seed != 42 {
		t.Errorf("metric settings not preserved: %+v", loaded.Metric)
	}
	if !loaded.Demons.Symmetric {
		t.Errorf("demons.symmetric not preserved")
	}
	if len(loaded.Pyramid.Shrinks) != 2 {
		t.Errorf("pyramid schedule not preserved: %v", loaded.Pyramid.Shrinks)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"mismatched schedule", "pyramid:\n  shrinks: [4, 2, 1]\n  sigmas: [2, 1]\n"},
		{"bad sampling", "metric:\n  sampling: sparse\n"},
		{"bad percentage", "metric:\n  sampling: random\n  percentage: 1.5\n"},
		{"bad normalizer", "demons:\n  normalizer: -1\n"},
		{"malformed yaml", "pyramid: [not: a: map\n"},
	}
	for _, tc := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(tc.yaml), 0644); err != nil {
			t.Fatalf("%s: write failed: %v", tc.name, err)
		}
		if _, err := LoadConfig(path); !errors.Is(err, models.ErrConfig) {
			t.Errorf("%s: expected ErrConfig, got %v", tc.name, err)
		}
	}
}
