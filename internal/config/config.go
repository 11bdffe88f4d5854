// Package config loads the optional go-resign YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aluedeke/go-resign/pkg/codesign"
)

const (
	DecoderCMS    = "cms"
	DecoderNative = "native"

	defaultFileName = ".go-resign.yaml"
	defaultTimeout  = 30 * time.Minute
)

type Config struct {
	Tools      codesign.Tools `yaml:"tools"`
	Keychain   string         `yaml:"keychain"`    // keychain passed to codesign, default from `security default-keychain`
	ScratchDir string         `yaml:"scratch_dir"` // parent of per-run working directories
	Timeout    time.Duration  `yaml:"timeout"`     // upper bound for a whole resign run
	LogLevel   string         `yaml:"log_level"`
	LogFile    string         `yaml:"log_file"`
	Decoder    string         `yaml:"decoder"` // cms or native
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{
		Tools:   codesign.DefaultTools(),
		Timeout: defaultTimeout,
		Decoder: DecoderCMS,
	}
	if runtime.GOOS != "darwin" {
		cfg.Decoder = DecoderNative
	}
	return cfg
}

// DefaultPath returns ~/.go-resign.yaml, or "" if there is no home directory
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, defaultFileName)
}

// Load reads the file at path over the defaults. An empty path means the
// default location, which is allowed to be missing.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Tools = c.Tools.WithDefaults()
	switch c.Decoder {
	case "":
		c.Decoder = Default().Decoder
	case DecoderCMS, DecoderNative:
	default:
		return fmt.Errorf("decoder must be %q or %q, got %q", DecoderCMS, DecoderNative, c.Decoder)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// ProfileDecoder returns the decoder selected by the configuration
func (c *Config) ProfileDecoder(runner codesign.Runner) codesign.ProfileDecoder {
	if c.Decoder == DecoderNative {
		return codesign.NativeDecoder{}
	}
	return codesign.CMSDecoder{Runner: runner, Tools: c.Tools}
}
