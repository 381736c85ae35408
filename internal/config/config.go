// Package config loads fetchd settings from a YAML file, the environment and a
// .env file. Command line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"

	envPrefix = "FETCHD_"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ByteSize accepts plain integers or human readable sizes such as "64KB" or "1 MiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseByteSize(node.Value)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Set parses a flag or environment value.
func (b *ByteSize) Set(s string) error {
	v, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

// Duration accepts Go duration strings ("30s", "2m") or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type Config struct {
	SavePath         string            `yaml:"save_path"`
	MaxConnections   int               `yaml:"max_connections"`
	ChunkSize        ByteSize          `yaml:"chunk_size"`
	Timeout          Duration          `yaml:"timeout"`
	KeepAliveTimeout Duration          `yaml:"keep_alive_timeout"`
	Proxy            string            `yaml:"proxy"`
	ProxyUsername    string            `yaml:"proxy_username"`
	ProxyPassword    string            `yaml:"proxy_password"`
	UserAgent        string            `yaml:"user_agent"`
	Headers          map[string]string `yaml:"headers"`
	RateLimit        ByteSize          `yaml:"rate_limit"`
	MinSegmentSize   ByteSize          `yaml:"min_segment_size"`
	ResumeDelay      Duration          `yaml:"resume_delay"`
	StatsInterval    Duration          `yaml:"stats_interval"`
	Store            StoreConfig       `yaml:"store"`
}

func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		SavePath:         filepath.Join(home, "Downloads"),
		MaxConnections:   8,
		Timeout:          Duration(30 * time.Second),
		KeepAliveTimeout: Duration(90 * time.Second),
		Headers:          map[string]string{},
		MinSegmentSize:   ByteSize(1 << 20),
		ResumeDelay:      Duration(time.Second),
		StatsInterval:    Duration(time.Minute),
		Store: StoreConfig{
			Driver: DriverBolt,
			Path:   filepath.Join(home, ".fetchd", "fetchd.db"),
		},
	}
}

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fetchd", "config.yaml")
}

// Load builds a Config from defaults, the YAML file at path and the environment.
// An empty path falls back to DefaultPath when that file exists. An explicitly
// named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// LoadEnvFile reads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func (c *Config) ApplyEnv() error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("SAVE_PATH", &c.SavePath)
	str("PROXY", &c.Proxy)
	str("PROXY_USERNAME", &c.ProxyUsername)
	str("PROXY_PASSWORD", &c.ProxyPassword)
	str("USER_AGENT", &c.UserAgent)
	str("STORE_DRIVER", &c.Store.Driver)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_DSN", &c.Store.DSN)
	if v, ok := os.LookupEnv(envPrefix + "MAX_CONNECTIONS"); ok {
		if c.MaxConnections, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("%w: %sMAX_CONNECTIONS: %v", ErrInvalidConfig, envPrefix, err)
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "TIMEOUT"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sTIMEOUT: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.Timeout = Duration(d)
	}
	if v, ok := os.LookupEnv(envPrefix + "CHUNK_SIZE"); ok {
		b, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("%w: %sCHUNK_SIZE: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.ChunkSize = ByteSize(b)
	}
	if v, ok := os.LookupEnv(envPrefix + "RATE_LIMIT"); ok {
		b, err := parseByteSize(v)
		if err != nil {
			return fmt.Errorf("%w: %sRATE_LIMIT: %v", ErrInvalidConfig, envPrefix, err)
		}
		c.RateLimit = ByteSize(b)
	}
	return nil
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.SavePath) == "" {
		problems = append(problems, "save_path must not be empty")
	}
	if c.MaxConnections < 1 || c.MaxConnections > 64 {
		problems = append(problems, fmt.Sprintf("max_connections must be between 1 and 64, got %d", c.MaxConnections))
	}
	if c.ChunkSize < 0 {
		problems = append(problems, "chunk_size must not be negative")
	}
	if c.Timeout.Std() <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "rate_limit must not be negative")
	}
	if c.MinSegmentSize <= 0 {
		problems = append(problems, "min_segment_size must be positive")
	}
	if c.ResumeDelay.Std() < 0 || c.StatsInterval.Std() < 0 {
		problems = append(problems, "resume_delay and stats_interval must not be negative")
	}
	switch c.Store.Driver {
	case DriverBolt:
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the bolt driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ExpandPaths resolves a leading "~" in the save and store paths.
func (c *Config) ExpandPaths() {
	c.SavePath = expandHome(c.SavePath)
	c.Store.Path = expandHome(c.Store.Path)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
