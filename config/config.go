// Package config holds settings of the datareceiver server.
// Values come from defaults, then an optional YAML file, then command-line flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kjk/datareceiver/u"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// address to listen on
	Addr string `yaml:"addr"`
	// path of the JSON store file
	StorePath string `yaml:"store_path"`
	// directory for log files. empty means log to stdout only
	LogDir  string `yaml:"log_dir"`
	Verbose bool   `yaml:"verbose"`
	// 0 means wait for the store lock forever
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// take an OS-level lock so that many processes can share StorePath
	FileLock bool `yaml:"file_lock"`
	// write the store without indentation
	Compact bool `yaml:"compact"`
	// requests with bigger body are rejected
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

const (
	DefaultAddr         = "0.0.0.0:5001"
	DefaultStorePath    = "data_store.json"
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

func Default() *Config {
	return &Config{
		Addr:         DefaultAddr,
		StorePath:    DefaultStorePath,
		FileLock:     true,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Load reads YAML file at path on top of Default().
// Keys missing in the file keep default values.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if !u.FileExists(path) {
		return nil, fmt.Errorf("config file '%s' doesn't exist", path)
	}
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(d, c); err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is empty")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is empty")
	}
	if u.DirExists(c.StorePath) {
		return fmt.Errorf("store_path '%s' is a directory", c.StorePath)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout can't be negative (%s)", c.LockTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive (%d)", c.MaxBodyBytes)
	}
	return nil
}
