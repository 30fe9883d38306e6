package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/thermoload/internal/engine"
	"github.com/wesleyorama2/thermoload/internal/logging"
	"github.com/wesleyorama2/thermoload/internal/metrics"
	"github.com/wesleyorama2/thermoload/internal/metrics/prometheus"
	"github.com/wesleyorama2/thermoload/internal/output"
)

type runOptions struct {
	configFlags

	summaryExport string
	quiet         bool
	noColor       bool
	logLevel      string
	logFormat     string
	metricsAddr   string

	progressInterval time.Duration
	signals          <-chan os.Signal
}

func newRunOptions(getenv func(string) string) *runOptions {
	return &runOptions{
		configFlags:      configFlags{getenv: getenv},
		progressInterval: time.Second,
	}
}

func newRunCmd(opts *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the load test",
		Long: `Run the temperature-conversion load test.

Without a config file the built-in scenario runs: ramp to 20 VUs, hold,
ramp to 50, hold, ramp down, with p(95)<500 and rate<0.01 thresholds.

  thermoload run
  thermoload run -c tempconv.yaml
  thermoload run --vus 10 --duration 1m --base-url http://staging:8080
  thermoload run --stages "30s:10,1m:10,30s:0" --summary-export summary.json

Exit codes: 0 passed, 99 thresholds failed, 108 aborted by a threshold,
1 any other error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd, opts)
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.summaryExport, "summary-export", "", "Write the result as JSON to this file")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, show only pass/fail")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", logging.FormatConsole, "Log format: console or json")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9464)")
	return cmd
}

func runTest(cmd *cobra.Command, opts *runOptions) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	logger, err := logging.NewWithWriter(opts.logLevel, opts.logFormat, stderr)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := opts.load(cmd)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if opts.metricsAddr != "" {
		sink, shutdown, err := serveMetrics(opts.metricsAddr, logger)
		if err != nil {
			return &exitError{code: ExitError, err: fmt.Errorf("metrics server: %w", err)}
		}
		defer shutdown()
		engineOpts = append(engineOpts, engine.WithSinks(sink))
	}

	eng, err := engine.New(cfg, engineOpts...)
	if err != nil {
		return &exitError{code: ExitError, err: err}
	}

	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		ExecutorType:  string(eng.ExecutorConfig().Type),
		TotalDuration: eng.ExecutorConfig().TotalDuration(),
		Writer:        stdout,
		Quiet:         opts.quiet,
		NoColor:       opts.noColor,
	})
	console.PrintHeader(cfg.BaseURL)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	signals := opts.signals
	if signals == nil {
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		signals = sigCh
	}

	done := make(chan runOutcome, 1)
	go func() {
		result, err := eng.Run(ctx)
		done <- runOutcome{result, err}
	}()

	outcome := waitForRun(ctx, eng, console, opts.progressInterval, signals, cancel, stderr, done)

	console.PrintSummary(outcome.result)

	if opts.summaryExport != "" && outcome.result != nil {
		if err := output.WriteJSONFile(outcome.result, opts.summaryExport); err != nil {
			return &exitError{code: ExitError, err: err}
		}
		logger.Info("summary written", zap.String("path", opts.summaryExport))
	}

	return exitFor(outcome.result, outcome.err)
}

type runOutcome struct {
	result *engine.TestResult
	err    error
}

// waitForRun renders progress until the run finishes. The first signal
// stops the run gracefully, the second interrupts it.
func waitForRun(
	ctx context.Context,
	eng *engine.Engine,
	console *output.ConsoleOutput,
	interval time.Duration,
	signals <-chan os.Signal,
	cancel context.CancelFunc,
	stderr io.Writer,
	done <-chan runOutcome,
) runOutcome {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopping := false
	for {
		select {
		case outcome := <-done:
			return outcome
		case <-signals:
			if stopping {
				fmt.Fprintln(stderr, "\nInterrupting all VUs...")
				cancel()
				continue
			}
			stopping = true
			fmt.Fprintln(stderr, "\nStopping test, waiting for iterations to finish (interrupt again to force)...")
			go func() { _ = eng.Stop(ctx) }()
		case <-ticker.C:
			if eng.IsRunning() {
				console.Tick(output.StatsFromMetrics(eng.GetMetrics(), eng.GetProgress(), eng.GetStats()))
			}
		}
	}
}

// exitFor maps a run outcome to the command's error.
func exitFor(result *engine.TestResult, runErr error) error {
	switch {
	case runErr != nil:
		return &exitError{code: ExitError, err: runErr}
	case result == nil:
		return &exitError{code: ExitError, err: fmt.Errorf("no result")}
	case result.Aborted:
		return &exitError{code: ExitAborted, err: fmt.Errorf("test aborted: %s", result.AbortReason)}
	case !result.Passed:
		return &exitError{code: ExitThresholdsFailed, err: fmt.Errorf("some thresholds have failed")}
	default:
		return nil
	}
}

// serveMetrics starts the Prometheus endpoint and returns the sink
// feeding it.
func serveMetrics(addr string, logger *zap.Logger) (metrics.Sink, func(), error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	sink := prometheus.NewSink(registry)

	srv, err := prometheus.Listen(addr, registry, logger)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return sink, shutdown, nil
}
