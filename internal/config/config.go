package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultAPIURL              = "https://api.github.com"
	DefaultCheckName           = "IconDiffBot2"
	DefaultListenAddr          = ":8080"
	DefaultIgnoreMarker        = "[IDB IGNORE]"
	DefaultJobTimeout          = time.Hour
	DefaultMaintenanceInterval = 24 * time.Hour
	DefaultBucket              = "icondiff-images"
)

var (
	DefaultAllowedActions = []string{"opened", "reopened", "synchronize"}
	DefaultExtensions     = []string{".dmi"}
)

// Config represents the complete icondiffd configuration
type Config struct {
	GitHub      GitHubConfig      `yaml:"github"`
	Auth        AuthConfig        `yaml:"auth"`
	Paths       PathsConfig       `yaml:"paths"`
	Serve       ServeConfig       `yaml:"serve"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Storage     StorageConfig     `yaml:"storage"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

// GitHubConfig configures the GitHub API and webhook. The bot
// authenticates either as a GitHub App (app_id and private_key_file, one
// installation token per repository owner) or with a static token_file.
type GitHubConfig struct {
	APIURL            string `yaml:"api_url"`
	AppID             int64  `yaml:"app_id"`
	PrivateKeyFile    string `yaml:"private_key_file"`
	TokenFile         string `yaml:"token_file"`
	CheckName         string `yaml:"check_name"`
	WebhookSecretFile string `yaml:"webhook_secret_file"`
}

// AuthConfig configures Git authentication for repository mirrors
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	ImagesDir string `yaml:"images_dir"`
	ReposDir  string `yaml:"repos_dir"`
	WorkDir   string `yaml:"work_dir"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	FileHostingURL string   `yaml:"file_hosting_url"`
	AllowedActions []string `yaml:"allowed_actions"`
	IgnoreMarker   string   `yaml:"ignore_marker"`
	Extensions     []string `yaml:"extensions"`
}

// JobsConfig configures job execution
type JobsConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	Workers           int           `yaml:"workers"`
	RenderConcurrency int           `yaml:"render_concurrency"`
}

// MaintenanceConfig configures repository compaction. An interval of 0
// disables the scheduler; cleanup jobs can still be queued by hand.
type MaintenanceConfig struct {
	Interval *time.Duration `yaml:"interval"`
	Timeout  time.Duration  `yaml:"timeout"`
}

// StorageConfig configures the optional S3 compatible artifact mirror
type StorageConfig struct {
	Endpoint      string `yaml:"endpoint"`
	AccessKeyFile string `yaml:"access_key_file"`
	SecretKeyFile string `yaml:"secret_key_file"`
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	UseSSL        bool   `yaml:"use_ssl"`
}

// TracingConfig configures OpenTelemetry export
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.GitHub.APIURL = os.ExpandEnv(c.GitHub.APIURL)
	c.GitHub.TokenFile = os.ExpandEnv(c.GitHub.TokenFile)
	c.GitHub.PrivateKeyFile = os.ExpandEnv(c.GitHub.PrivateKeyFile)
	c.GitHub.WebhookSecretFile = os.ExpandEnv(c.GitHub.WebhookSecretFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.ImagesDir = os.ExpandEnv(c.Paths.ImagesDir)
	c.Paths.ReposDir = os.ExpandEnv(c.Paths.ReposDir)
	c.Paths.WorkDir = os.ExpandEnv(c.Paths.WorkDir)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.FileHostingURL = os.ExpandEnv(c.Serve.FileHostingURL)
	c.Storage.Endpoint = os.ExpandEnv(c.Storage.Endpoint)
	c.Storage.AccessKeyFile = os.ExpandEnv(c.Storage.AccessKeyFile)
	c.Storage.SecretKeyFile = os.ExpandEnv(c.Storage.SecretKeyFile)
	c.Tracing.Endpoint = os.ExpandEnv(c.Tracing.Endpoint)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = DefaultAPIURL
	}
	if c.GitHub.CheckName == "" {
		c.GitHub.CheckName = DefaultCheckName
	}
	if c.Paths.StateDir != "" {
		if c.Paths.ImagesDir == "" {
			c.Paths.ImagesDir = filepath.Join(c.Paths.StateDir, "images")
		}
		if c.Paths.ReposDir == "" {
			c.Paths.ReposDir = filepath.Join(c.Paths.StateDir, "repos")
		}
		if c.Paths.WorkDir == "" {
			c.Paths.WorkDir = c.Paths.StateDir
		}
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if len(c.Serve.AllowedActions) == 0 {
		c.Serve.AllowedActions = append([]string(nil), DefaultAllowedActions...)
	}
	if c.Serve.IgnoreMarker == "" {
		c.Serve.IgnoreMarker = DefaultIgnoreMarker
	}
	if len(c.Serve.Extensions) == 0 {
		c.Serve.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if c.Jobs.Timeout == 0 {
		c.Jobs.Timeout = DefaultJobTimeout
	}
	if c.Jobs.Workers == 0 {
		c.Jobs.Workers = 1
	}
	if c.Jobs.RenderConcurrency == 0 {
		c.Jobs.RenderConcurrency = runtime.NumCPU()
	}
	if c.Maintenance.Interval == nil {
		d := DefaultMaintenanceInterval
		c.Maintenance.Interval = &d
	}
	if c.Maintenance.Timeout == 0 {
		c.Maintenance.Timeout = c.Jobs.Timeout
	}
	if c.Storage.Endpoint != "" && c.Storage.Bucket == "" {
		c.Storage.Bucket = DefaultBucket
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate paths
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	for name, p := range map[string]string{
		"paths.state_dir":  c.Paths.StateDir,
		"paths.images_dir": c.Paths.ImagesDir,
		"paths.repos_dir":  c.Paths.ReposDir,
		"paths.work_dir":   c.Paths.WorkDir,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	// Validate jobs
	if c.Jobs.Timeout < 0 {
		return fmt.Errorf("jobs.timeout must not be negative")
	}
	if c.Jobs.Workers < 0 {
		return fmt.Errorf("jobs.workers must not be negative")
	}
	if c.Jobs.RenderConcurrency < 0 {
		return fmt.Errorf("jobs.render_concurrency must not be negative")
	}
	if c.Maintenance.Interval != nil && *c.Maintenance.Interval < 0 {
		return fmt.Errorf("maintenance.interval must not be negative")
	}
	if c.Maintenance.Timeout < 0 {
		return fmt.Errorf("maintenance.timeout must not be negative")
	}

	// Validate extensions
	for _, ext := range c.Serve.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("serve.extensions entries must start with a dot: %s", ext)
		}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// Validate storage if enabled
	if c.Storage.Endpoint != "" {
		if c.Storage.AccessKeyFile == "" || c.Storage.SecretKeyFile == "" {
			return fmt.Errorf("storage.access_key_file and storage.secret_key_file are required when storage.endpoint is set")
		}
	}

	// Validate tracing
	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlphttp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the otlphttp exporter")
		}
	default:
		return fmt.Errorf("invalid tracing.exporter: %s (must be none, stdout, or otlphttp)", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// ValidateServe checks the settings the webhook server needs in addition
// to Validate.
func (c *Config) ValidateServe() error {
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	if c.Serve.FileHostingURL == "" {
		return fmt.Errorf("serve.file_hosting_url is required")
	}
	u, err := url.Parse(c.Serve.FileHostingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("serve.file_hosting_url must be an http(s) URL: %s", c.Serve.FileHostingURL)
	}
	if c.GitHub.WebhookSecretFile == "" {
		return fmt.Errorf("github.webhook_secret_file is required")
	}
	app := c.GitHub.AppID != 0 || c.GitHub.PrivateKeyFile != ""
	switch {
	case app && c.GitHub.TokenFile != "":
		return fmt.Errorf("github: only one of app_id/private_key_file or token_file may be set")
	case app && (c.GitHub.AppID <= 0 || c.GitHub.PrivateKeyFile == ""):
		return fmt.Errorf("github: app_id and private_key_file must be set together")
	case !app && c.GitHub.TokenFile == "":
		return fmt.Errorf("github.app_id and github.private_key_file, or github.token_file, are required")
	}
	return nil
}

// QueuePath returns the path of the durable job queue database
func (c *Config) QueuePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// ImagesURL returns the advertised URL prefix of rendered images
func (c *Config) ImagesURL() string {
	return strings.TrimRight(c.Serve.FileHostingURL, "/") + "/images"
}

// MaintenanceInterval returns how often cleanup jobs are scheduled; 0
// means never.
func (c *Config) MaintenanceInterval() time.Duration {
	if c.Maintenance.Interval == nil {
		return DefaultMaintenanceInterval
	}
	return *c.Maintenance.Interval
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// StorageEnabled reports whether rendered images are mirrored to S3
func (c *Config) StorageEnabled() bool {
	return c.Storage.Endpoint != ""
}
