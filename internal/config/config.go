// Package config loads the ambient parameters spec.md §6 names
// ("Configuration parameters observed"), TOML-decoded and overridable by
// flags, matching the teacher's daemon config loader shape
// (SPEC_FULL.md §2).
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config holds every parameter the fetch core observes (spec.md §6) plus
// the listen/backend-dial settings needed to run the binary.
type Config struct {
	HTTPGzipSupport bool   `toml:"http_gzip_support"`
	Shortlived      int    `toml:"shortlived"`
	MaxRetries      int    `toml:"max_retries"`
	FetchChunksize  int    `toml:"fetch_chunksize"`
	Listen          string `toml:"listen"`
	Backend         string `toml:"backend"`
	MetricsListen   string `toml:"metrics_listen"`
}

// Default returns the parameter set the original ships as varnishd
// defaults, translated to this module's units (spec.md §6).
func Default() Config {
	return Config{
		HTTPGzipSupport: true,
		Shortlived:      10,
		MaxRetries:      4,
		FetchChunksize:  128, // KB
		Listen:          ":8080",
		Backend:         "http://127.0.0.1:8081",
		MetricsListen:   ":9090",
	}
}

// Load reads a TOML file at path (if non-empty and present) over the
// defaults, then applies fs overrides on top, mirroring moby's daemon
// config precedence: defaults < file < flags.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "config: reading %s", path)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "config: parsing %s", path)
		}
	}

	if fs != nil {
		applyFlags(&cfg, fs)
	}
	return cfg, nil
}

// BindFlags registers the override flags onto fs, to be parsed by the
// cobra root command before Load reads their final values.
func BindFlags(fs *pflag.FlagSet, cfg Config) {
	fs.Bool("http-gzip-support", cfg.HTTPGzipSupport, "force Accept-Encoding: gzip and allow transcoding")
	fs.Int("shortlived", cfg.Shortlived, "TTL threshold (seconds) for transient-storage salvage")
	fs.Int("max-retries", cfg.MaxRetries, "cap on RETRY transitions per fetch")
	fs.Int("fetch-chunksize", cfg.FetchChunksize, "storage allocation unit in KB")
	fs.String("listen", cfg.Listen, "client-facing listen address")
	fs.String("backend", cfg.Backend, "upstream backend base URL")
	fs.String("metrics-listen", cfg.MetricsListen, "Prometheus metrics listen address")
}

func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if v, err := fs.GetBool("http-gzip-support"); err == nil && fs.Changed("http-gzip-support") {
		cfg.HTTPGzipSupport = v
	}
	if v, err := fs.GetInt("shortlived"); err == nil && fs.Changed("shortlived") {
		cfg.Shortlived = v
	}
	if v, err := fs.GetInt("max-retries"); err == nil && fs.Changed("max-retries") {
		cfg.MaxRetries = v
	}
	if v, err := fs.GetInt("fetch-chunksize"); err == nil && fs.Changed("fetch-chunksize") {
		cfg.FetchChunksize = v
	}
	if v, err := fs.GetString("listen"); err == nil && fs.Changed("listen") {
		cfg.Listen = v
	}
	if v, err := fs.GetString("backend"); err == nil && fs.Changed("backend") {
		cfg.Backend = v
	}
	if v, err := fs.GetString("metrics-listen"); err == nil && fs.Changed("metrics-listen") {
		cfg.MetricsListen = v
	}
}
