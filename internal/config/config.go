package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tordrt/pgnicecluster/internal/schema"
)

var prefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Config holds the connection settings and the options of one cluster run.
// Zero values are not usable; start from Default or Load.
type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	Database       string `yaml:"database"`
	ConnectTimeout int    `yaml:"connect_timeout"`

	Schema         string `yaml:"schema"`
	MinSizeMB      int64  `yaml:"min_size_mb"`
	Table          string `yaml:"table"`
	Index          string `yaml:"index"`
	Prefix         string `yaml:"prefix"`
	DryRun         bool   `yaml:"dry_run"`
	StrictTriggers bool   `yaml:"strict_triggers"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects the slog level and handler
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the settings used when neither file nor flags say otherwise
func Default() Config {
	return Config{
		Host:           "localhost",
		Port:           5432,
		User:           "postgres",
		ConnectTimeout: 7200,
		Schema:         "public",
		MinSizeMB:      100,
		Prefix:         "cluster",
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file on top of the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the run settings. Connection settings are checked by
// ConnString.
func (c *Config) Validate() error {
	if c.Schema == "" {
		return &schema.ConfigurationError{Field: "schema", Reason: "must not be empty"}
	}
	if c.MinSizeMB < 0 {
		return &schema.ConfigurationError{Field: "min_size_mb", Reason: "must not be negative"}
	}
	if !prefixPattern.MatchString(c.Prefix) {
		return &schema.ConfigurationError{Field: "prefix", Reason: fmt.Sprintf("%q is not a lower case identifier", c.Prefix)}
	}
	if c.Index != "" && c.Table == "" {
		return &schema.ConfigurationError{Field: "index", Reason: "requires a single table"}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return &schema.ConfigurationError{Field: "log.level", Reason: err.Error()}
	}
	return nil
}

// LowerLimit is the size in bytes a table must exceed to be clustered
func (c *Config) LowerLimit() int64 {
	return c.MinSizeMB * 1024 * 1024
}

// ConnString returns the pgx connection string. A database URL replaces the
// host, port, user, password and database settings; ConnectTimeout is added
// to it unless the URL sets connect_timeout itself.
func (c *Config) ConnString() (string, error) {
	if c.DatabaseURL != "" {
		return c.urlConnString()
	}
	if c.Database == "" {
		return "", &schema.ConfigurationError{Field: "database", Reason: "database name must be given"}
	}

	params := []string{
		"host=" + quoteValue(c.Host),
		"port=" + strconv.Itoa(c.Port),
		"user=" + quoteValue(c.User),
		"dbname=" + quoteValue(c.Database),
	}
	if c.Password != "" {
		params = append(params, "password="+quoteValue(c.Password))
	}
	if c.ConnectTimeout > 0 {
		params = append(params, "connect_timeout="+strconv.Itoa(c.ConnectTimeout))
	}
	return strings.Join(params, " "), nil
}

func (c *Config) urlConnString() (string, error) {
	if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return "", &schema.ConfigurationError{Field: "database_url", Reason: "must start with postgres:// or postgresql://"}
	}

	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "", &schema.ConfigurationError{Field: "database_url", Reason: err.Error()}
	}
	if c.ConnectTimeout <= 0 || u.Query().Has("connect_timeout") {
		return c.DatabaseURL, nil
	}

	q := u.Query()
	q.Set("connect_timeout", strconv.Itoa(c.ConnectTimeout))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SlogLevel maps the configured level name to a slog level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", l.Level)
	}
}

// quoteValue quotes a keyword/value connection string value when needed
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
