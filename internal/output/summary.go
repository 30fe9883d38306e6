package output

import (
	"fmt"
	"strings"

	"github.com/wesleyorama2/thermoload/internal/engine"
	"github.com/wesleyorama2/thermoload/internal/metrics"
)

const metricLabelWidth = 32

// PrintSummary prints the end-of-run summary: checks, metrics, a
// per-request breakdown and thresholds.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLiveLocked()
	}

	if result == nil {
		c.writeln("No results available")
		return
	}

	if c.quiet {
		c.writeln(c.statusLine(result))
		return
	}

	line := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, 56))
	c.writeln("")
	c.writeln(line)
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(result.Name), c.statusText(result)))
	c.writeln(line)
	c.writeln("")
	c.writeln(fmt.Sprintf("Run ID:   %s", c.colors.Dim.Sprint(result.RunID)))
	c.writeln(fmt.Sprintf("Target:   %s", c.colors.Value.Sprint(result.BaseURL)))
	c.writeln(fmt.Sprintf("Executor: %s", c.colors.Value.Sprint(result.Executor)))
	c.writeln(fmt.Sprintf("Duration: %s", c.colors.Value.Sprint(formatDuration(result.Duration))))
	c.writeln("")

	if len(result.Checks) > 0 {
		c.printChecks(result.Checks)
		c.writeln("")
	}

	if result.Metrics != nil {
		c.printMetrics(result)
		c.writeln("")
	}

	if len(result.Requests) > 0 {
		c.printRequests(result.Requests)
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colors.Label.Sprint("Thresholds:"))
		for _, t := range result.Thresholds {
			c.writeln(fmt.Sprintf("  %s %s: %s (actual: %s)", c.colors.Status(t.Passed), t.Metric, t.Expression, t.Value))
			if !t.Passed && t.Message != "" {
				c.writeln(c.colors.Dim.Sprintf("      %s", t.Message))
			}
		}
		c.writeln("")
	}

	if result.Aborted {
		c.writeln(c.colors.Fail.Sprintf("Aborted: %s", result.AbortReason))
		c.writeln("")
	}
}

func (c *ConsoleOutput) statusText(result *engine.TestResult) string {
	switch {
	case result.Aborted:
		return c.colors.Fail.Sprint("Aborted ✗")
	case result.Passed:
		return c.colors.Pass.Sprint("Completed ✓")
	default:
		return c.colors.Fail.Sprint("Failed ✗")
	}
}

func (c *ConsoleOutput) statusLine(result *engine.TestResult) string {
	switch {
	case result.Aborted:
		return c.colors.Fail.Sprint("ABORTED")
	case result.Passed:
		return c.colors.Pass.Sprint("PASSED")
	default:
		return c.colors.Fail.Sprint("FAILED")
	}
}

func (c *ConsoleOutput) printChecks(checks []metrics.CheckStats) {
	for _, ch := range checks {
		passed := ch.Fails == 0
		c.writeln(fmt.Sprintf("  %s %s", c.colors.Status(passed), ch.Name))
		if !passed {
			c.writeln(c.colors.Dim.Sprintf("   ↳  %.0f%% | ✓ %d / ✗ %d", ch.Rate()*100, ch.Passes, ch.Fails))
		}
	}
}

func (c *ConsoleOutput) printMetrics(result *engine.TestResult) {
	m := result.Metrics
	d := result.Duration

	checkTotal := m.Checks.Passes + m.Checks.Fails
	checkColor := c.colors.Pass
	if m.Checks.Fails > 0 {
		checkColor = c.colors.Fail
	}
	if checkTotal > 0 {
		c.metricLine("checks", fmt.Sprintf("%s  ✓ %d  ✗ %d",
			checkColor.Sprintf("%.2f%%", m.Checks.Rate*100), m.Checks.Passes, m.Checks.Fails))
	}

	c.metricLine("data_received", fmt.Sprintf("%s  %s/s",
		formatBytes(float64(m.BytesReceived)), formatBytes(perSecond(float64(m.BytesReceived), d))))
	c.metricLine("data_sent", fmt.Sprintf("%s  %s/s",
		formatBytes(float64(m.BytesSent)), formatBytes(perSecond(float64(m.BytesSent), d))))

	c.metricLine("http_req_duration", c.trend(m.Latency))
	c.metricLine("http_req_failed", fmt.Sprintf("%s  %d out of %d",
		c.colors.RateColor(m.ErrorRate).Sprintf("%.2f%%", m.ErrorRate*100), m.FailedRequests, m.TotalRequests))
	c.metricLine("http_reqs", fmt.Sprintf("%d  %.2f/s", m.TotalRequests, m.RPS))
	c.metricLine("iteration_duration", c.trend(m.Iteration))
	c.metricLine("iterations", fmt.Sprintf("%d  %.2f/s", m.Iterations, m.IterationRate))
	c.metricLine("vus", fmt.Sprintf("%d", m.ActiveVUs))
	c.metricLine("vus_max", fmt.Sprintf("%d", m.MaxVUs))

	if rl := result.RateLimit; rl != nil {
		c.metricLine("rate_limit", fmt.Sprintf("%.2f/s  waited=%s",
			rl.Rate, c.colors.Latency.Sprint(formatDurationShort(rl.TotalWaitTime))))
	}
}

func (c *ConsoleOutput) printRequests(requests []metrics.RequestStats) {
	c.writeln(c.colors.Label.Sprint("Requests:"))

	width := 0
	for _, r := range requests {
		if len(r.Name) > width {
			width = len(r.Name)
		}
	}
	for _, r := range requests {
		failed := c.colors.RateColor(r.ErrorRate).Sprintf("%d (%.2f%%)", r.Failed, r.ErrorRate*100)
		c.writeln(fmt.Sprintf("  %-*s  count=%d  failed=%s  avg=%s  p(95)=%s",
			width, r.Name, r.Count, failed,
			c.colors.Latency.Sprint(formatDurationShort(r.Latency.Mean)),
			c.colors.Latency.Sprint(formatDurationShort(r.Latency.P95))))
	}
}

// trend renders a duration metric the way thresholds name its
// aggregations.
func (c *ConsoleOutput) trend(s metrics.LatencyStats) string {
	parts := []struct {
		name string
		v    string
	}{
		{"avg", formatDurationShort(s.Mean)},
		{"min", formatDurationShort(s.Min)},
		{"med", formatDurationShort(s.P50)},
		{"max", formatDurationShort(s.Max)},
		{"p(90)", formatDurationShort(s.P90)},
		{"p(95)", formatDurationShort(s.P95)},
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.name + "=" + c.colors.Latency.Sprint(p.v)
	}
	return strings.Join(out, " ")
}

func (c *ConsoleOutput) metricLine(name, value string) {
	dots := metricLabelWidth - len(name)
	if dots < 2 {
		dots = 2
	}
	c.writeln(fmt.Sprintf("  %s%s: %s", name, c.colors.Dim.Sprint(strings.Repeat(".", dots)), value))
}
