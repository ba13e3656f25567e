package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symbolicator/pkg/registry"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/server"
	"github.com/grafana/symbolicator/pkg/symbolizer"
)

// Config is the configuration file of the symbolicator.
type Config struct {
	Server     server.Config     `yaml:"server"`
	Repository repository.Config `yaml:"repository"`
	Registry   registry.Config   `yaml:"registry"`
	Symbolizer symbolizer.Config `yaml:"symbolizer"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Server.RegisterFlags(f)
	cfg.Repository.RegisterFlags(f)
	cfg.Registry.RegisterFlags(f)
	cfg.Symbolizer.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if err := cfg.Server.Validate(); err != nil {
		return err
	}
	if err := cfg.Repository.Validate(); err != nil {
		return err
	}
	if err := cfg.Registry.Validate(); err != nil {
		return err
	}
	return cfg.Symbolizer.Validate()
}

// loadConfig returns the defaults overlaid with the YAML file at path, if
// any. Unknown keys are rejected.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	flagext.DefaultValues(&cfg)
	if path == "" {
		return &cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}
