package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
serial:
  port: /dev/ttyUSB0
  commandLine: dtr
udp:
  network: Garden
dcr:
  queryRetries: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.CommandLine != "dtr" {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Serial.BaudRate != 9600 {
		t.Errorf("BaudRate = %d, want default 9600", cfg.Serial.BaudRate)
	}
	if cfg.UDP.Network != "Garden" || cfg.UDP.SendPort != 50140 || cfg.UDP.ListenPort != 50141 {
		t.Errorf("udp = %+v", cfg.UDP)
	}
	if cfg.DCR.QueryRetries != 2 || !cfg.DCR.Enabled {
		t.Errorf("dcr = %+v", cfg.DCR)
	}
	if cfg.Serial.ATTimeout() != 1500*time.Millisecond {
		t.Errorf("ATTimeout() = %v", cfg.Serial.ATTimeout())
	}
	if cfg.DCR.DefaultTimeout() != time.Minute {
		t.Errorf("DefaultTimeout() = %v", cfg.DCR.DefaultTimeout())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad command line", body: "serial:\n  commandLine: cts\n"},
		{name: "bad port number", body: "udp:\n  sendPort: 70000\n"},
		{name: "zero retries", body: "serial:\n  atRetries: 0\n"},
		{name: "broken yaml", body: "serial: [\n"},
		{name: "bad broadcast address", body: "udp:\n  broadcastAddr: 255.255.255.256\n"},
		{name: "bad fallback address", body: "udp:\n  fallbackAddr: localhost\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Error("Load() expected an error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected an error for a missing file")
	}
}
