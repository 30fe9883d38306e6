package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/thermoload/internal/config"
)

// configFlags are the flags that shape the test configuration, shared
// by run and inspect.
type configFlags struct {
	getenv func(string) string

	configFile string
	vus        int
	duration   string
	stages     string
	rps        float64
	baseURL    string
}

func (f *configFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configFile, "config", "c", "", "Configuration file (YAML or JSON); the built-in scenario when omitted")
	cmd.Flags().IntVar(&f.vus, "vus", 0, "Number of constant virtual users")
	cmd.Flags().StringVar(&f.duration, "duration", "", "Run constant VUs for this long (e.g., 30s, 5m)")
	cmd.Flags().StringVar(&f.stages, "stages", "", "Stages in format 'duration:target,duration:target,...'")
	cmd.Flags().Float64Var(&f.rps, "rps", 0, "Cap on requests per second across all VUs (0 = unlimited)")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Backend URL (overrides BASE_URL and the config file)")
}

// load builds the resolved configuration: file or defaults, then
// BASE_URL, then flags.
func (f *configFlags) load(cmd *cobra.Command) (*config.TestConfig, error) {
	var cfg *config.TestConfig
	if f.configFile != "" {
		loaded, err := config.Load(f.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	config.ResolveBaseURL(cfg, f.getenv)

	o := config.Overrides{
		Duration: f.duration,
		Stages:   f.stages,
		BaseURL:  f.baseURL,
	}
	if cmd.Flags().Changed("vus") {
		if f.vus < 1 {
			return nil, fmt.Errorf("invalid --vus: must be at least 1, got %d", f.vus)
		}
		o.VUs = &f.vus
	}
	if cmd.Flags().Changed("rps") {
		o.RPS = &f.rps
	}
	if err := config.ApplyOverrides(cfg, o); err != nil {
		return nil, err
	}
	return cfg, nil
}
