package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, explicitly-constructed configuration value:
// there is no package-level mutable registry, every component that
// needs a setting receives it through its constructor.
type Config struct {
	ClientIDP IDPConfig `yaml:"idp"`

	Client   ClientConfig   `yaml:"client"`
	File     FileConfig     `yaml:"file"`
	Retries  RetriesConfig  `yaml:"retries"`
	Resilience ResilienceConfig `yaml:"management"`
	Filter   FilterConfig   `yaml:"filter"`
	Shared   SharedConfig   `yaml:"shared"`
	Server   ServerConfig   `yaml:"server"`

	PolicyServiceURL string `yaml:"policyServiceURL"`
	NodeID           string `yaml:"nodeID"`
	ReloadInterval   time.Duration `yaml:"reloadInterval"`
}

// ServerConfig configures the mandatory-TLS listen socket of the wire
// protocol: mutual TLS is enabled by setting ClientCAFile.
type ServerConfig struct {
	ListenAddress string `yaml:"listenAddress"`
	CertFile      string `yaml:"certFile"`
	KeyFile       string `yaml:"keyFile"`
	ClientCAFile  string `yaml:"clientCAFile"`
}

// IDPConfig is the `idp.*` configuration surface.
type IDPConfig struct {
	MTLSEnabled    bool   `yaml:"mtlsEnabled"`
	TokenURL       string `yaml:"tokenURL"`
	JWKSURL        string `yaml:"jwksURL"`
	ClientID       string `yaml:"clientID"`
	ClientSecret   string `yaml:"clientSecret"`
	Audience       string `yaml:"audience"`
	Issuer         string `yaml:"issuer"`
	KeystorePath   string `yaml:"keystorePath"`
	KeystorePass   string `yaml:"keystorePassword"`
	TruststorePath string `yaml:"truststorePath"`
	TruststorePass string `yaml:"truststorePassword"`
	RefreshBuffer  time.Duration `yaml:"refreshBuffer"`
}

// ClientConfig is `client.*`.
type ClientConfig struct {
	IdleTimeout         time.Duration `yaml:"idleTimeout"`
	KeepAliveTime       time.Duration `yaml:"keepAliveTime"`
	KeepAliveTimeout    time.Duration `yaml:"keepAliveTimeout"`
	FilesTempDir        string        `yaml:"filesTempDir"`
	FilesStorageProvider string       `yaml:"filesStorageProvider"`
	CursorBackend       string        `yaml:"cursorBackend"` // "etcd" | "sqlite"
	CursorEndpoints     []string      `yaml:"cursorEndpoints"`
	CursorTLS           bool          `yaml:"cursorTLS"`
	CursorEncryptionKey string        `yaml:"cursorEncryptionKey"` // base64, 32 bytes, optional
	CursorSQLitePath    string        `yaml:"cursorSQLitePath"`
}

// FileConfig is `file.*`.
type FileConfig struct {
	StreamChunkSize int `yaml:"streamChunkSize"`
}

// RetriesConfig is `retries.*`, the per-worker retry policy.
type RetriesConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Forever        bool          `yaml:"forever"`
}

// ResilienceConfig is `management.node.resilience.*`.
type ResilienceConfig struct {
	FailureRateThreshold float64       `yaml:"failureRateThreshold"`
	WindowSize           int           `yaml:"windowSize"`
	MinimumCalls         int           `yaml:"minimumCalls"`
	OpenDuration         time.Duration `yaml:"openDuration"`
}

// FilterConfig is `filter.*`.
type FilterConfig struct {
	ShareAll bool `yaml:"shareAll"`
}

// SharedConfig is `shared.*`.
type SharedConfig struct {
	// Headers holds the whitelist of header keys forwarded to consumers,
	// parsed from the `^`-separated wire form by ParseSharedHeaders.
	Headers []string `yaml:"headers"`
}

// ParseSharedHeaders splits the `^`-separated `shared.headers` property.
func ParseSharedHeaders(raw string) []string {
	if raw == "" {
		return nil
	}
	var parts = strings.Split(raw, "^")
	var out = make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaults() Config {
	return Config{
		Client: ClientConfig{
			IdleTimeout:          60 * time.Second,
			KeepAliveTime:        30 * time.Second,
			KeepAliveTimeout:     10 * time.Second,
			FilesStorageProvider: "LOCAL",
			CursorBackend:        "etcd",
		},
		File: FileConfig{StreamChunkSize: 1000},
		Retries: RetriesConfig{
			MaxAttempts:    10,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     15 * time.Minute,
		},
		Resilience: ResilienceConfig{
			FailureRateThreshold: 0.5,
			WindowSize:           10,
			MinimumCalls:         20,
			OpenDuration:         60 * time.Second,
		},
		ReloadInterval: 30 * time.Second,
	}
}

// Load reads and strict-parses a YAML configuration file at path,
// starting from Federator defaults. Unknown fields are rejected so a
// typo'd key fails loudly instead of silently falling back to a default.
func Load(path string) (Config, error) {
	var cfg = defaults()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening configuration %s: %w", path, err)
	}
	defer f.Close()

	var dec = yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing configuration %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("validating configuration %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PolicyServiceURL == "" {
		return fmt.Errorf("policyServiceURL is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("nodeID is required")
	}
	if !c.ClientIDP.MTLSEnabled && (c.ClientIDP.ClientID == "" || c.ClientIDP.ClientSecret == "") {
		return fmt.Errorf("idp.clientID and idp.clientSecret are required unless idp.mtlsEnabled")
	}
	if c.ClientIDP.TokenURL == "" {
		return fmt.Errorf("idp.tokenURL is required")
	}
	switch strings.ToUpper(c.Client.FilesStorageProvider) {
	case "LOCAL", "S3", "AZURE", "GCS":
	default:
		return fmt.Errorf("client.filesStorageProvider must be one of LOCAL, S3, AZURE, GCS, got %q", c.Client.FilesStorageProvider)
	}
	return nil
}

// FilesTempDir resolves the assembly directory, falling back to
// <os-tmp>/federator-files.
func (c Config) FilesTempDir() string {
	if c.Client.FilesTempDir != "" {
		return c.Client.FilesTempDir
	}
	return filepath.Join(os.TempDir(), "federator-files")
}
