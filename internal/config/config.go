package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Store     StoreConfig               `yaml:"store"`
	Import    ImportConfig              `yaml:"import"`
	Manifest  ManifestConfig            `yaml:"manifest"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// StoreConfig holds object store settings
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// ImportConfig controls resolution, lookup and registration of datasets
type ImportConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	ResolverCacheTTL  time.Duration `yaml:"resolver_cache_ttl"`
}

// ManifestConfig holds settings used when building manifests
type ManifestConfig struct {
	APIURL         string `yaml:"api_url"`
	ExpandFolders  bool   `yaml:"expand_folders"`
	DefaultLicense string `yaml:"default_license"`
}

// ProviderConfig is the raw YAML config for a provider
type ProviderConfig map[string]interface{}

// ZenodoProviderConfig is the typed config for the Zenodo provider
type ZenodoProviderConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ExtraHosts []string `yaml:"extra_hosts"`
}

// DataverseProviderConfig is the typed config for the Dataverse provider.
// InstallationsURL may point at an installations JSON document or at a
// single Dataverse instance.
type DataverseProviderConfig struct {
	Enabled          bool          `yaml:"enabled"`
	InstallationsURL string        `yaml:"installations_url"`
	ExtraHosts       []string      `yaml:"extra_hosts"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// DataONEProviderConfig is the typed config for the DataONE provider
type DataONEProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// GlobusProviderConfig is the typed config for the Globus/MDF provider
type GlobusProviderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SearchURL   string `yaml:"search_url"`
	TransferURL string `yaml:"transfer_url"`
	IndexID     string `yaml:"index_id"`
	Token       string `yaml:"token"`
}

// DERIVAProviderConfig is the typed config for the DERIVA bag provider
type DERIVAProviderConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Prefixes []string `yaml:"prefixes"`
}

// Default values shared by the providers and the CLI.
const (
	DefaultDataverseInstallationsURL = "https://iqss.github.io/dataverse-installations/data/data.json"
	DefaultDataONEBaseURL            = "https://cn.dataone.org/cn/v2"
	DefaultGlobusSearchURL           = "https://search.api.globus.org/v1"
	DefaultGlobusTransferURL         = "https://transfer.api.globus.org/v0.10"
	DefaultGlobusIndexID             = "1a57bbe5-5272-477f-9d31-343b8258b7a5"
	DefaultDERIVAPrefix              = "https://pbcconsortium.s3.amazonaws.com/"
	DefaultLicense                   = "CC-BY-4.0"
	DefaultAPIURL                    = "https://data.wholetale.org/api/v1"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir: "/var/lib/taleport",
			DBPath:  "",
		},
		Import: ImportConfig{
			MaxWorkers:        4,
			RegisterTimeout:   30 * time.Minute,
			HTTPTimeout:       60 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			ResolverCacheTTL:  time.Hour,
		},
		Manifest: ManifestConfig{
			APIURL:         DefaultAPIURL,
			ExpandFolders:  true,
			DefaultLicense: DefaultLicense,
		},
		Providers: make(map[string]ProviderConfig),
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"taleport.yaml",
		"/etc/taleport/taleport.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "taleport", "taleport.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ProviderEnabled reports whether a provider is enabled. Providers without
// a config section, or without an explicit "enabled" key, are enabled.
func (c *Config) ProviderEnabled(name string) bool {
	pc, ok := c.Providers[name]
	if !ok {
		return true
	}
	enabled, ok := pc["enabled"]
	if !ok {
		return true
	}
	b, ok := enabled.(bool)
	return ok && b
}

// DBPath returns the sqlite database path, defaulting to a file in the data dir
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(c.Store.DataDir, "taleport.db")
}

// AssetDir returns the directory holding uploaded file content
func (c *Config) AssetDir() string {
	return filepath.Join(c.Store.DataDir, "assetstore")
}

// TaleDir returns the directory holding workspaces, versions and runs
func (c *Config) TaleDir() string {
	return filepath.Join(c.Store.DataDir, "tales")
}

// ParseProviderConfig unmarshals a provider's raw config into a typed struct
func ParseProviderConfig[T any](raw ProviderConfig) (*T, error) {
	// Re-marshal to YAML then unmarshal to typed struct
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling provider config: %w", err)
	}
	var typed T
	if err := yaml.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("parsing provider config: %w", err)
	}
	return &typed, nil
}
