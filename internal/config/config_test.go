package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
	}
	if cfg.Carga.MaxFileSize != 52428800 {
		t.Errorf("Carga.MaxFileSize = %d, want %d", cfg.Carga.MaxFileSize, 52428800)
	}
	if cfg.Carga.LoadBatchSize != 100 {
		t.Errorf("Carga.LoadBatchSize = %d, want %d", cfg.Carga.LoadBatchSize, 100)
	}
	if cfg.Carga.CorrectionBatchSize != 200 {
		t.Errorf("Carga.CorrectionBatchSize = %d, want %d", cfg.Carga.CorrectionBatchSize, 200)
	}
	if cfg.Carga.SchemaCacheTTL != 5*time.Minute {
		t.Errorf("Carga.SchemaCacheTTL = %v, want %v", cfg.Carga.SchemaCacheTTL, 5*time.Minute)
	}
}

func TestLoad_OverrideDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("CARGA_LOAD_BATCH_SIZE", "250")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9090)
	}
	if cfg.Carga.LoadBatchSize != 250 {
		t.Errorf("Carga.LoadBatchSize = %d, want %d", cfg.Carga.LoadBatchSize, 250)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded without DATABASE_URL, want error")
	}
}

func TestLoad_AltEnvVar(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_URL", "postgres://localhost/alt")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.URL != "postgres://localhost/alt" {
		t.Errorf("Database.URL = %q, want DB_URL fallback", cfg.Database.URL)
	}
}

func TestValidate_BadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"SERVER_PORT": "70000"}},
		{"bad duration", map[string]string{"SERVER_READ_TIMEOUT": "not-a-duration"}},
		{"zero batch", map[string]string{"CARGA_LOAD_BATCH_SIZE": "0"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("Load() succeeded, want error")
			}
		})
	}
}

func TestAddr(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 9000}
	if got := c.Addr(); got != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q, want %q", got, "127.0.0.1:9000")
	}

	c = ServerConfig{Host: "", Port: 8080}
	if got := c.Addr(); got != ":8080" {
		t.Errorf("Addr() = %q, want %q", got, ":8080")
	}
}
