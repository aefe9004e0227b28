package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btserial.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BTSERIAL_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Adapter != "hci0" || cfg.Transport.Kind != TransportBlueZ {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if time.Duration(cfg.Transport.ConnectTimeout) != 30*time.Second {
		t.Errorf("connect timeout = %v", time.Duration(cfg.Transport.ConnectTimeout))
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
adapter: hci1
transport:
  kind: rfcomm
  channel: 3
  connectTimeout: 5s
log:
  level: debug
  file: /tmp/btserial.log
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Adapter != "hci1" || cfg.Transport.Kind != TransportRFCOMM || cfg.Transport.Channel != 3 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if time.Duration(cfg.Transport.ConnectTimeout) != 5*time.Second {
		t.Errorf("connect timeout = %v", time.Duration(cfg.Transport.ConnectTimeout))
	}
	if cfg.Log.Level != "debug" || cfg.Log.File != "/tmp/btserial.log" {
		t.Errorf("log = %+v", cfg.Log)
	}
	// Unset keys keep their defaults.
	if cfg.Server.ServiceName != "btserial" || cfg.Log.MaxBackups != 3 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadFileFromEnv(t *testing.T) {
	t.Setenv("BTSERIAL_CONFIG", writeFile(t, "adapter: hci2\n"))
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter != "hci2" {
		t.Errorf("adapter = %q", cfg.Adapter)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "transport:\n  kind: bluez\n")
	t.Setenv("BTSERIAL_TRANSPORT", "rfcomm")
	t.Setenv("BTSERIAL_RFCOMM_CHANNEL", "7")
	t.Setenv("BTSERIAL_CONNECT_TIMEOUT", "2s")
	t.Setenv("BTSERIAL_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport.Kind != TransportRFCOMM || cfg.Transport.Channel != 7 {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if time.Duration(cfg.Transport.ConnectTimeout) != 2*time.Second || cfg.Log.Level != "warn" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "unknown key", body: "adaptr: hci0\n", want: "failed to load"},
		{name: "bad duration", body: "transport:\n  connectTimeout: soon\n", want: "invalid duration"},
		{name: "bad transport", body: "transport:\n  kind: serial\n", want: "unknown transport"},
		{name: "channel out of range", body: "transport:\n  kind: rfcomm\n  channel: 31\n", want: "out of range"},
		{name: "bad level", body: "log:\n  level: loud\n", want: "unknown log level"},
		{name: "bad env channel", body: "{}\n", env: map[string]string{"BTSERIAL_RFCOMM_CHANNEL": "x"}, want: "BTSERIAL_RFCOMM_CHANNEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
