package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/thermoload/internal/config"
	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/scenario"
)

// inspection is the resolved view of a configuration.
type inspection struct {
	Name          string                  `yaml:"name"`
	BaseURL       string                  `yaml:"baseUrl"`
	Executor      string                  `yaml:"executor"`
	TotalDuration string                  `yaml:"totalDuration"`
	MaxVUs        int                     `yaml:"maxVUs"`
	StartVUs      int                     `yaml:"startVUs,omitempty"`
	VUs           int                     `yaml:"vus,omitempty"`
	Stages        []config.StageConfig    `yaml:"stages,omitempty"`
	GracefulStop  string                  `yaml:"gracefulStop"`
	RampDown      string                  `yaml:"gracefulRampDown,omitempty"`
	ThinkTime     *config.ThinkTimeConfig `yaml:"thinkTime,omitempty"`
	RPS           float64                 `yaml:"rps,omitempty"`
	Tolerance     float64                 `yaml:"tolerance"`
	Probes        []config.ProbeConfig    `yaml:"probes"`
	Checks        []string                `yaml:"checks"`
	Thresholds    []inspectedThreshold    `yaml:"thresholds"`
}

type inspectedThreshold struct {
	Metric      string   `yaml:"metric"`
	Kind        string   `yaml:"kind"`
	Expressions []string `yaml:"expressions"`
}

func newInspectCmd(getenv func(string) string) *cobra.Command {
	flags := &configFlags{getenv: getenv}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the resolved test configuration as YAML",
		Long: `Resolve the configuration the way run does (config file or built-in
scenario, BASE_URL, flags), validate it and print it without sending any
requests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return &exitError{code: ExitError, err: err}
			}
			view, err := inspect(cfg)
			if err != nil {
				return &exitError{code: ExitError, err: err}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}
			return enc.Close()
		},
	}
	flags.bind(cmd)
	return cmd
}

func inspect(cfg *config.TestConfig) (*inspection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ec, err := cfg.ExecutorConfig()
	if err != nil {
		return nil, err
	}
	set, err := cfg.ThresholdSet()
	if err != nil {
		return nil, err
	}

	view := &inspection{
		Name:          cfg.Name,
		BaseURL:       cfg.BaseURL,
		Executor:      string(ec.Type),
		TotalDuration: ec.TotalDuration().String(),
		MaxVUs:        executor.CalculateMaxVUs(ec),
		GracefulStop:  ec.GracefulStop.String(),
		ThinkTime:     cfg.ThinkTime,
		RPS:           cfg.RPS,
		Tolerance:     cfg.Tolerance,
		Probes:        cfg.Probes,
	}
	if ec.Type == executor.TypeRampingVUs {
		view.StartVUs = ec.StartVUs
		view.Stages = cfg.Stages
		view.RampDown = ec.GracefulRampDown.String()
	} else {
		view.VUs = ec.VUs
	}

	probes, err := cfg.ScenarioProbes()
	if err != nil {
		return nil, err
	}
	scn, err := scenario.New(cfg.BaseURL, probes, cfg.Tolerance)
	if err != nil {
		return nil, err
	}
	view.Checks = scn.CheckNames()

	for _, th := range set {
		it := inspectedThreshold{Metric: th.Key, Kind: th.Kind.String()}
		for _, e := range th.Entries {
			it.Expressions = append(it.Expressions, e.Raw)
		}
		view.Thresholds = append(view.Thresholds, it)
	}

	return view, nil
}
