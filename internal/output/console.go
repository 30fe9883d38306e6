// Package output renders live progress and end-of-run summaries.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/metrics"
)

// Cursor control for redrawing the live display.
const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"
)

const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	Progress  float64
	Elapsed   time.Duration
	Remaining time.Duration

	ActiveVUs int
	TargetVUs int

	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64
	Iterations    int64
	CheckRate     float64

	LatencyP95 time.Duration
	LatencyAvg time.Duration

	CurrentPhase string
	CurrentStage int // 1-indexed; 0 when the executor has no stages
	TotalStages  int
}

// ConsoleOutput manages console output during and after a test run.
type ConsoleOutput struct {
	testName      string
	executorType  string
	totalDuration time.Duration
	writer        io.Writer
	isTTY         bool
	colors        *ColorScheme
	quiet         bool

	mu          sync.Mutex
	linesOutput int
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName      string
	ExecutorType  string
	TotalDuration time.Duration
	Writer        io.Writer
	Quiet         bool
	NoColor       bool
	ForceColors   bool
	ForceTTY      bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := !config.NoColor && (config.ForceColors || (isTTY && supportsColors()))

	colors := NoColorScheme()
	if useColors {
		colors = DefaultColorScheme()
	}

	return &ConsoleOutput{
		testName:      config.TestName,
		executorType:  config.ExecutorType,
		totalDuration: config.TotalDuration,
		writer:        config.Writer,
		isTTY:         isTTY,
		colors:        colors,
		quiet:         config.Quiet,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader(baseURL string) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.colors.Rule.Sprint(strings.Repeat(boxHorizontal, 56))
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(line)
	c.writeln(c.colors.Title.Sprintf("%s - Running%s", c.testName, executorInfo))
	c.writeln(line)
	c.writeln(fmt.Sprintf("Target:   %s", c.colors.Value.Sprint(baseURL)))
	if c.totalDuration > 0 {
		c.writeln(fmt.Sprintf("Duration: %s", c.colors.Value.Sprint(formatDuration(c.totalDuration))))
	}
	c.writeln("")
}

// Tick renders stats in the mode suited to the writer: an in-place
// redraw on a terminal, one line otherwise.
func (c *ConsoleOutput) Tick(stats *LiveStats) {
	if c.isTTY {
		c.Update(stats)
		return
	}
	c.PrintNonInteractiveUpdate(stats)
}

// Update redraws the live display with new statistics.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLiveLocked()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLiveLocked() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := c.renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Progress.Sprint(progressBar),
		c.colors.Title.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.Dim.Sprint(timeInfo)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", c.colors.Phase.Sprint(phaseInfo)))
	lines = append(lines, "")

	boxWidth := 55
	rule := strings.Repeat(boxHorizontal, 2*boxColumnWidth(boxWidth)+4)
	lines = append(lines, c.colors.Dim.Sprint(boxTopLeft+rule+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.Value.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	errColor := c.colors.RateColor(stats.ErrorRate)
	rpsStr := fmt.Sprintf("RPS:     %s", c.colors.Pass.Sprintf("%.1f", stats.CurrentRPS))
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	itersStr := fmt.Sprintf("Iters:   %s", c.colors.Value.Sprint(formatNumber(stats.Iterations)))
	checkColor := c.colors.RateColor(1 - stats.CheckRate)
	checksStr := fmt.Sprintf("Checks:      %s", checkColor.Sprintf("%.1f%%", stats.CheckRate*100))
	lines = append(lines, c.formatBoxRow(itersStr, checksStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyP95)))
	avgStr := fmt.Sprintf("Avg:         %s", c.colors.Latency.Sprint(formatDurationShort(stats.LatencyAvg)))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, c.colors.Dim.Sprint(boxBottomLeft+rule+boxBottomRight))

	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := boxColumnWidth(boxWidth)

	leftPadding := colWidth - visibleLen(left)
	if leftPadding < 0 {
		leftPadding = 0
	}
	rightPadding := colWidth - visibleLen(right)
	if rightPadding < 0 {
		rightPadding = 0
	}

	border := c.colors.Dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border, left, strings.Repeat(" ", leftPadding),
		border, right, strings.Repeat(" ", rightPadding),
		border)
}

// boxColumnWidth is the width of each of the two columns, less borders
// and padding.
func boxColumnWidth(boxWidth int) int {
	return (boxWidth - 4) / 2
}

// renderProgressBar renders a progress bar.
func (c *ConsoleOutput) renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, width-filled) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status update, for output
// that is not a terminal.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | %s | VUs: %d/%d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | Checks: %.1f%% | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.CurrentPhase,
		stats.ActiveVUs,
		stats.TargetVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		stats.CheckRate*100,
		formatDurationShort(stats.LatencyP95)))
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// StatsFromMetrics builds LiveStats from a metrics snapshot and the
// executor's statistics. Either may be nil early in a run.
func StatsFromMetrics(snap *metrics.Snapshot, progress float64, stats *executor.Stats) *LiveStats {
	live := &LiveStats{Progress: progress, CurrentPhase: "initializing"}

	var totalDuration time.Duration
	if stats != nil {
		live.TargetVUs = stats.TargetVUs
		live.TotalStages = stats.TotalStages
		if stats.TotalStages > 0 {
			live.CurrentStage = stats.CurrentStage + 1
		}
		totalDuration = stats.TotalDuration
	}

	if snap == nil {
		return live
	}

	elapsed := snap.Elapsed
	remaining := time.Duration(0)
	if totalDuration > 0 {
		remaining = totalDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
	} else if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	}

	live.Elapsed = elapsed
	live.Remaining = remaining
	live.ActiveVUs = snap.ActiveVUs
	live.CurrentRPS = snap.RPS
	live.TotalRequests = snap.TotalRequests
	live.Errors = snap.FailedRequests
	live.ErrorRate = snap.ErrorRate
	live.Iterations = snap.Iterations
	live.CheckRate = snap.Checks.Rate
	live.LatencyP95 = snap.Latency.P95
	live.LatencyAvg = snap.Latency.Mean
	live.CurrentPhase = string(snap.CurrentPhase)
	return live
}
