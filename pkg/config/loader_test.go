package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/config"
	"github.com/Git-HimanshuRathi/Real-Time-Collaborative-Circuit-Editor/pkg/logging"
)

// inDir runs the test from dir so Load finds (or misses) config files there.
func inDir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	inDir(t, t.TempDir())

	cfg, err := config.Load(logging.Discard(), "config")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, ":3001", cfg.Server.Address())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2*time.Minute, cfg.Session.ReclaimGrace)
	assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, time.Duration(0), cfg.Transport.ReadTimeout)
	assert.Equal(t, false, cfg.Document.RetainAfterSessionEnd)
	assert.Equal(t, "reject", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, logging.LevelInfo, logging.ParseLevel(cfg.Log.Level))
	assert.Equal(t, config.MinMessageBytes(cfg.Document.MaxUpdateBytes), cfg.Transport.MaxMessageBytes)
}

func TestLoadEnvOverrides(t *testing.T) {
	inDir(t, t.TempDir())
	t.Setenv("PORT", "8080")
	t.Setenv("CIRCUITSYNC_SESSION_RECLAIMGRACE", "5s")
	t.Setenv("CIRCUITSYNC_DOCUMENT_RETAINAFTERSESSIONEND", "true")

	cfg, err := config.Load(logging.Discard(), "config")
	assert.Equal(t, nil, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Session.ReclaimGrace)
	assert.Equal(t, true, cfg.Document.RetainAfterSessionEnd)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`server:
  port: 4000
  connectionLimit:
    maxPerIP: 3
    mode: cycle
log:
  level: warn
  format: json
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	inDir(t, dir)

	cfg, err := config.Load(logging.Discard(), "config")
	assert.Equal(t, nil, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Server.ConnectionLimit.MaxPerIP)
	assert.Equal(t, "cycle", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, logging.LevelWarn, logging.ParseLevel(cfg.Log.Level))
}

func TestLoadRejectsMismatchedLimits(t *testing.T) {
	inDir(t, t.TempDir())
	t.Setenv("CIRCUITSYNC_TRANSPORT_MAXMESSAGEBYTES", "4194304")

	_, err := config.Load(logging.Discard(), "config")
	if err == nil {
		t.Fatalf("Expected a read limit below four times the update budget to fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port out of range", func(c *config.Config) { c.Server.Port = 70000 }},
		{"unknown limiter mode", func(c *config.Config) { c.Server.ConnectionLimit.Mode = "drop" }},
		{"no send buffer", func(c *config.Config) { c.Transport.SendBuffer = 0 }},
		{"no update budget", func(c *config.Config) { c.Document.MaxUpdateBytes = 0 }},
		{"read limit below update budget", func(c *config.Config) {
			c.Document.MaxUpdateBytes = 2 << 20
			c.Transport.MaxMessageBytes = 4 << 20
		}},
		{"update budget raised alone", func(c *config.Config) { c.Document.MaxUpdateBytes *= 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			assert.Equal(t, nil, cfg.Validate())
			tc.mutate(cfg)
			if cfg.Validate() == nil {
				t.Fatalf("Expected validation error")
			}
		})
	}
}
