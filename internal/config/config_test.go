package config

import (
	"os"
	"testing"
)

func setEnvs(t *testing.T, vars map[string]string) func() {
	t.Helper()
	var unset []string
	for k, v := range vars {
		if _, had := os.LookupEnv(k); !had {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}
	return func() {
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATABASE_URL":      "postgres://localhost/test",
		"DEVLINK3_HOST":     "pbx.example.com",
		"DEVLINK3_USERNAME": "admin",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DevLink3Port != 50797 {
			t.Errorf("DevLink3Port = %d, want 50797", cfg.DevLink3Port)
		}
		if cfg.SMDRPort != 1150 {
			t.Errorf("SMDRPort = %d, want 1150", cfg.SMDRPort)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.DevLink3EventFlags != "-CallDelta3 -CMExtn" {
			t.Errorf("DevLink3EventFlags = %q, want -CallDelta3 -CMExtn", cfg.DevLink3EventFlags)
		}
		if cfg.DBPoolMax != 20 {
			t.Errorf("DBPoolMax = %d, want 20", cfg.DBPoolMax)
		}
	})

	t.Run("tls_switches_default_port", func(t *testing.T) {
		cleanup := setEnvs(t, map[string]string{"DEVLINK3_USE_TLS": "true"})
		defer cleanup()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.DevLink3Port != 50796 {
			t.Errorf("DevLink3Port = %d, want 50796 under TLS", cfg.DevLink3Port)
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			DatabaseURL: "postgres://override/db",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabaseURL != "postgres://override/db" {
			t.Errorf("DatabaseURL = %q, want override", cfg.DatabaseURL)
		}
	})

	t.Run("validate_requires_host_and_username", func(t *testing.T) {
		cfg := &Config{}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing DEVLINK3_HOST")
		}
		cfg.DevLink3Host = "pbx.example.com"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error for missing DEVLINK3_USERNAME")
		}
		cfg.DevLink3Username = "admin"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})
}
