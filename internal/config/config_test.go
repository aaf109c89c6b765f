package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"data directory", func(c *Config) string { return c.Store.DataDir }, "/var/lib/taleport"},
		{"db path", func(c *Config) string { return c.Store.DBPath }, ""},
		{"api url", func(c *Config) string { return c.Manifest.APIURL }, DefaultAPIURL},
		{"default license", func(c *Config) string { return c.Manifest.DefaultLicense }, "CC-BY-4.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Import.MaxWorkers != 4 {
		t.Errorf("Import.MaxWorkers = %d, want 4", cfg.Import.MaxWorkers)
	}
	if cfg.Import.RegisterTimeout != 30*time.Minute {
		t.Errorf("Import.RegisterTimeout = %v, want 30m", cfg.Import.RegisterTimeout)
	}
	if !cfg.Manifest.ExpandFolders {
		t.Errorf("Manifest.ExpandFolders = false, want true")
	}
	if cfg.Providers == nil {
		t.Errorf("Providers = nil, want non-nil map")
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "taleport.yaml")

	configContent := `
store:
  data_dir: "/custom/data"
  db_path: "/custom/data/app.db"
import:
  max_workers: 8
  register_timeout: 10m
  requests_per_second: 2.5
manifest:
  api_url: "https://example.org/api/v1"
  expand_folders: false
providers:
  dataverse:
    enabled: true
    installations_url: "https://dataverse.example.org"
    extra_hosts:
      - "dv.example.org"
  globus:
    enabled: false
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store.DataDir != "/custom/data" {
		t.Errorf("Store.DataDir = %q, want /custom/data", cfg.Store.DataDir)
	}
	if cfg.DBPath() != "/custom/data/app.db" {
		t.Errorf("DBPath() = %q, want /custom/data/app.db", cfg.DBPath())
	}
	if cfg.Import.MaxWorkers != 8 {
		t.Errorf("Import.MaxWorkers = %d, want 8", cfg.Import.MaxWorkers)
	}
	if cfg.Import.RegisterTimeout != 10*time.Minute {
		t.Errorf("Import.RegisterTimeout = %v, want 10m", cfg.Import.RegisterTimeout)
	}
	if cfg.Import.RequestsPerSecond != 2.5 {
		t.Errorf("Import.RequestsPerSecond = %v, want 2.5", cfg.Import.RequestsPerSecond)
	}
	// Unset values keep their defaults
	if cfg.Import.Burst != 20 {
		t.Errorf("Import.Burst = %d, want default 20", cfg.Import.Burst)
	}
	if cfg.Manifest.ExpandFolders {
		t.Errorf("Manifest.ExpandFolders = true, want false")
	}
	if len(cfg.Providers) != 2 {
		t.Errorf("len(Providers) = %d, want 2", len(cfg.Providers))
	}
}

// TestLoadInvalidYAML tests that malformed YAML is rejected
func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("store: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

// TestLoadNonexistentFile tests loading a missing file
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

// TestFindConfigFileFound tests discovery of a config in the working directory
func TestFindConfigFileFound(t *testing.T) {
	tempDir := t.TempDir()
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origDir) })

	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to chdir: %v", err)
	}
	if err := os.WriteFile("taleport.yaml", []byte("store: {}\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	path, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if path != "taleport.yaml" {
		t.Errorf("FindConfigFile() = %q, want taleport.yaml", path)
	}
}

// TestProviderEnabled tests provider enablement defaults
func TestProviderEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers["globus"] = ProviderConfig{"enabled": false}
	cfg.Providers["zenodo"] = ProviderConfig{"enabled": true}
	cfg.Providers["dataone"] = ProviderConfig{"base_url": "https://example.org"}
	cfg.Providers["bdbag"] = ProviderConfig{"enabled": "yes"}

	tests := []struct {
		name string
		want bool
	}{
		{"globus", false},
		{"zenodo", true},
		{"dataone", true},
		{"bdbag", false},
		{"http", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.ProviderEnabled(tt.name); got != tt.want {
				t.Errorf("ProviderEnabled(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

// TestDerivedPaths tests the paths computed from the data dir
func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.DataDir = "/data"

	if got := cfg.DBPath(); got != "/data/taleport.db" {
		t.Errorf("DBPath() = %q", got)
	}
	if got := cfg.AssetDir(); got != "/data/assetstore" {
		t.Errorf("AssetDir() = %q", got)
	}
	if got := cfg.TaleDir(); got != "/data/tales" {
		t.Errorf("TaleDir() = %q", got)
	}
}

// TestParseProviderConfigDataverse tests decoding a typed provider section
func TestParseProviderConfigDataverse(t *testing.T) {
	raw := ProviderConfig{
		"enabled":           true,
		"installations_url": "https://dv.example.org/data.json",
		"extra_hosts":       []interface{}{"a.example.org", "b.example.org"},
		"cache_ttl":         "15m",
	}

	cfg, err := ParseProviderConfig[DataverseProviderConfig](raw)
	if err != nil {
		t.Fatalf("ParseProviderConfig() failed: %v", err)
	}
	if !cfg.Enabled {
		t.Error("Enabled = false, want true")
	}
	if cfg.InstallationsURL != "https://dv.example.org/data.json" {
		t.Errorf("InstallationsURL = %q", cfg.InstallationsURL)
	}
	if len(cfg.ExtraHosts) != 2 || cfg.ExtraHosts[1] != "b.example.org" {
		t.Errorf("ExtraHosts = %v", cfg.ExtraHosts)
	}
	if cfg.CacheTTL != 15*time.Minute {
		t.Errorf("CacheTTL = %v, want 15m", cfg.CacheTTL)
	}
}

// TestParseProviderConfigGlobus tests decoding with missing optional fields
func TestParseProviderConfigGlobus(t *testing.T) {
	cfg, err := ParseProviderConfig[GlobusProviderConfig](ProviderConfig{"token": "abc"})
	if err != nil {
		t.Fatalf("ParseProviderConfig() failed: %v", err)
	}
	if cfg.Token != "abc" {
		t.Errorf("Token = %q, want abc", cfg.Token)
	}
	if cfg.SearchURL != "" {
		t.Errorf("SearchURL = %q, want empty", cfg.SearchURL)
	}
}

// TestParseProviderConfigInvalid tests type mismatches are reported
func TestParseProviderConfigInvalid(t *testing.T) {
	raw := ProviderConfig{"extra_hosts": map[string]interface{}{"not": "a list"}}
	if _, err := ParseProviderConfig[ZenodoProviderConfig](raw); err == nil {
		t.Error("ParseProviderConfig() expected error for mismatched type, got nil")
	}
}
