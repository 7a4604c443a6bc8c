package config

import (
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the client settings for talking to the etcd v3 HTTP/JSON
// gateway of a single endpoint.
type Config struct {
	Endpoint        string   `toml:"endpoint"`          // Base URL of the gateway, e.g. http://localhost:2379.
	RequestTimeout  Duration `toml:"request-timeout"`   // Default per-request timeout, 0 to disable.
	DialTimeout     Duration `toml:"dial-timeout"`      // TCP connect timeout.
	MaxIdleConns    int      `toml:"max-idle-conns"`    // Connection pool size towards the gateway.
	WatchBufferSize int      `toml:"watch-buffer-size"` // Capacity of the per-watch event channel.
	LogLevel        string   `toml:"log-level"`
}

// Duration is a TOML- and flag-friendly wrapper around time.Duration.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "http://127.0.0.1:2379",
		RequestTimeout:  NewDuration(0),
		DialTimeout:     NewDuration(3 * time.Second),
		MaxIdleConns:    16,
		WatchBufferSize: 128,
		LogLevel:        getLogLevel(),
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint must not be empty")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Annotate(err, "invalid endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if c.WatchBufferSize <= 0 {
		return errors.New("watch-buffer-size must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("max-idle-conns must not be negative")
	}
	return nil
}

// FromFile loads a Config from a TOML file, applying defaults for fields
// the file does not set.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
