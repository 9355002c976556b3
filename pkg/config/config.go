package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from YAML with environment
// overrides applied on top.
type Config struct {
	Addr        string `yaml:"addr"`
	AllowCancel bool   `yaml:"allow_cancel"`

	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig selects the persistence backend. Driver is "memory" or
// "sqlite"; Path is the database file for sqlite.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Addr:        ":8080",
		AllowCancel: true,
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "marionette.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path as YAML over the defaults, then applies environment
// overrides. An empty path skips the file; a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "read config %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse config %s", path)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MARIONETTE_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("MARIONETTE_ALLOW_CANCEL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowCancel = b
		}
	}
	if v := os.Getenv("MARIONETTE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("MARIONETTE_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("MARIONETTE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MARIONETTE_LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Log.Pretty = b
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return errors.New("sqlite storage requires a path")
	}
	return nil
}
