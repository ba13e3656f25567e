package registry

import (
	"flag"
	"fmt"
	"os"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	SearchPaths      flagext.StringSliceCSV `yaml:"search_paths"`
	PrecogFiles      flagext.StringSliceCSV `yaml:"presymbolication_files"`
	RefineBoundaries bool                   `yaml:"refine_boundaries"`
	PreferredArch    string                 `yaml:"preferred_arch" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.SearchPaths, "registry.search-paths", "Comma-separated list of directories searched for debug files before contacting repositories.")
	f.Var(&cfg.PrecogFiles, "registry.presymbolication-files", "Comma-separated list of presymbolication files used as a local symbol source.")
	f.BoolVar(&cfg.RefineBoundaries, "registry.refine-boundaries", false, "Tighten inferred function ends by decoding instructions when a module has no line information.")
	f.StringVar(&cfg.PreferredArch, "registry.preferred-arch", "", "Slice picked from universal Mach-O binaries. Empty picks the first slice.")
}

func (cfg *Config) Validate() error {
	for _, p := range cfg.PrecogFiles {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("invalid registry.presymbolication-files value: %w", err)
		}
	}
	return nil
}
