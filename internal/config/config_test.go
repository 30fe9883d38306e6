package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/thermoload/internal/config"
	"github.com/wesleyorama2/thermoload/internal/executor"
	"github.com/wesleyorama2/thermoload/internal/scenario"
	"github.com/wesleyorama2/thermoload/internal/threshold"
)

func noEnv(string) string { return "" }

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "tempconv", cfg.Name)
	assert.Equal(t, []config.StageConfig{
		{Duration: "30s", Target: 20},
		{Duration: "1m", Target: 20},
		{Duration: "30s", Target: 50},
		{Duration: "1m", Target: 50},
		{Duration: "30s", Target: 0},
	}, cfg.Stages)
	assert.Equal(t, threshold.Plain("p(95)<500"), cfg.Thresholds["http_req_duration"])
	assert.Equal(t, threshold.Plain("rate<0.01"), cfg.Thresholds["http_req_failed"])
	assert.Equal(t, &config.ThinkTimeConfig{Min: "500ms", Max: "1.5s"}, cfg.ThinkTime)
	assert.Len(t, cfg.Probes, 2)
	assert.Equal(t, "30s", cfg.GracefulStop)
	assert.Equal(t, "1m", cfg.HTTP.Timeout)
	assert.Equal(t, 210*time.Second, cfg.TotalDuration())

	config.ResolveBaseURL(cfg, noEnv)
	assert.Equal(t, config.DefaultBaseURL, cfg.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestDefault_ExecutorConfig(t *testing.T) {
	ec, err := config.Default().ExecutorConfig()
	require.NoError(t, err)

	assert.Equal(t, executor.TypeRampingVUs, ec.Type)
	assert.Equal(t, scenario.DefaultStages(), ec.Stages)
	assert.Equal(t, 0, ec.StartVUs)
	assert.Equal(t, executor.DefaultGracefulStop, ec.GracefulStop)
	assert.Equal(t, executor.DefaultGracefulRampDown, ec.GracefulRampDown)
	require.NotNil(t, ec.Pacing)
	assert.Equal(t, executor.PacingRandom, ec.Pacing.Type)
	assert.Equal(t, 500*time.Millisecond, ec.Pacing.Min)
	assert.Equal(t, 1500*time.Millisecond, ec.Pacing.Max)
	assert.Equal(t, 50, executor.CalculateMaxVUs(ec))
	require.NoError(t, ec.Validate())
}

func TestParse_YAML(t *testing.T) {
	doc := `
name: smoke
baseUrl: http://backend:9000
startVUs: 2
stages:
  - duration: 10s
    target: 5
  - duration: "20"
    target: 0
gracefulStop: 0s
thinkTime:
  min: 100ms
  max: 200ms
thresholds:
  http_req_duration:
    - p(99)<800
    - threshold: p(95)<500
      abortOnFail: true
      delayAbortEval: 5s
  checks: ["rate>0.99"]
probes:
  - name: boiling
    value: 100
    from: C
    to: F
tolerance: 0.01
rps: 25
http:
  timeout: 5s
  userAgent: smoke-test
  noConnectionReuse: true
`
	cfg, err := config.Parse([]byte(doc), "smoke.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "smoke", cfg.Name)
	assert.Equal(t, "http://backend:9000", cfg.BaseURL)
	assert.Len(t, cfg.Thresholds, 2)
	assert.Equal(t, threshold.Definition{Threshold: "p(95)<500", AbortOnFail: true, DelayAbortEval: "5s"}, cfg.Thresholds["http_req_duration"][1])

	ec, err := cfg.ExecutorConfig()
	require.NoError(t, err)
	assert.Equal(t, executor.TypeRampingVUs, ec.Type)
	assert.Equal(t, 2, ec.StartVUs)
	assert.Equal(t, []executor.Stage{{Duration: 10 * time.Second, Target: 5}, {Duration: 20 * time.Second, Target: 0}}, ec.Stages)
	assert.Equal(t, time.Duration(0), ec.GracefulStop, "explicit zero gracefulStop is kept")
	assert.Equal(t, 100*time.Millisecond, ec.Pacing.Min)

	hc, err := cfg.HTTPClientConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, hc.Timeout)
	assert.Equal(t, "smoke-test", hc.UserAgent)
	assert.False(t, hc.UseSharedClient)
	assert.Equal(t, 25.0, hc.RPS)

	probes, err := cfg.ScenarioProbes()
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.Equal(t, scenario.Celsius, probes[0].From)
	assert.Equal(t, scenario.Fahrenheit, probes[0].To)

	set, err := cfg.ThresholdSet()
	require.NoError(t, err)
	assert.True(t, set.HasAbortOnFail())
}

func TestParse_JSON(t *testing.T) {
	doc := `{
  "vus": 3,
  "duration": "15s",
  "thresholds": {},
  "thinkTime": {"min": "0s", "max": "0s"}
}`
	cfg, err := config.Parse([]byte(doc), "run.json")
	require.NoError(t, err)
	config.ResolveBaseURL(cfg, noEnv)
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.Stages, "stages are not defaulted for a constant run")
	assert.Empty(t, cfg.Thresholds, "explicitly empty thresholds stay empty")

	ec, err := cfg.ExecutorConfig()
	require.NoError(t, err)
	assert.Equal(t, executor.TypeConstantVUs, ec.Type)
	assert.Equal(t, 3, ec.VUs)
	assert.Equal(t, 15*time.Second, ec.Duration)
	assert.Equal(t, executor.PacingNone, ec.Pacing.Type)
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := config.Parse(nil, "")
	require.NoError(t, err)
	assert.Len(t, cfg.Stages, 5)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"unknown field", "vus: 1\nduration: 10s\nramp: fast\n", ""},
		{"negative target", "stages:\n  - duration: 10s\n    target: -1\n", "stages[0].target"},
		{"bad duration", "stages:\n  - duration: soon\n    target: 1\n", "stages[0].duration"},
		{"missing target", "stages:\n  - duration: 10s\n", "stages[0]"},
		{"threshold not a list", "thresholds:\n  checks: rate>0.9\n", "thresholds.checks"},
		{"negative rps", "rps: -1\n", "rps"},
		{"probe without unit", "probes:\n  - name: x\n    value: 1\n    from: C\n", "probes[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.doc), "test.yaml")
			require.Error(t, err)

			var verrs *config.ValidationErrors
			require.True(t, errors.As(err, &verrs), "error %T is not ValidationErrors", err)
			var fields []string
			for _, e := range verrs.Errors {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := config.Parse([]byte("stages: [\n"), "bad.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML config")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tempconv.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: from-file\nvus: 2\nduration: 1m\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)

	_, err = config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveBaseURL(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{"default", "", nil, "http://localhost:8080"},
		{"file", "http://file:1", nil, "http://file:1"},
		{"env over file", "http://file:1", map[string]string{"BASE_URL": "http://env:2"}, "http://env:2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.TestConfig{BaseURL: tt.file}
			config.ResolveBaseURL(cfg, env(tt.env))
			assert.Equal(t, tt.want, cfg.BaseURL)
		})
	}

	cfg := &config.TestConfig{BaseURL: "http://file:1"}
	config.ResolveBaseURL(cfg, env(map[string]string{"BASE_URL": "http://env:2"}))
	require.NoError(t, config.ApplyOverrides(cfg, config.Overrides{BaseURL: "http://flag:3"}))
	assert.Equal(t, "http://flag:3", cfg.BaseURL, "flag wins over env")
}

func TestApplyOverrides(t *testing.T) {
	intp := func(v int) *int { return &v }
	floatp := func(v float64) *float64 { return &v }

	t.Run("duration alone runs one constant VU", func(t *testing.T) {
		cfg := config.Default()
		require.NoError(t, config.ApplyOverrides(cfg, config.Overrides{Duration: "30s"}))
		ec, err := cfg.ExecutorConfig()
		require.NoError(t, err)
		assert.Equal(t, executor.TypeConstantVUs, ec.Type)
		assert.Equal(t, 1, ec.VUs)
		assert.Equal(t, 30*time.Second, ec.Duration)
	})

	t.Run("vus alone runs for the stage total", func(t *testing.T) {
		cfg := config.Default()
		require.NoError(t, config.ApplyOverrides(cfg, config.Overrides{VUs: intp(7)}))
		ec, err := cfg.ExecutorConfig()
		require.NoError(t, err)
		assert.Equal(t, executor.TypeConstantVUs, ec.Type)
		assert.Equal(t, 7, ec.VUs)
		assert.Equal(t, 210*time.Second, ec.Duration)
	})

	t.Run("stages replace the schedule", func(t *testing.T) {
		cfg := &config.TestConfig{VUs: 3, Duration: "1m"}
		config.ApplyDefaults(cfg)
		require.NoError(t, config.ApplyOverrides(cfg, config.Overrides{Stages: "5s:10, 10s:0", RPS: floatp(100)}))
		ec, err := cfg.ExecutorConfig()
		require.NoError(t, err)
		assert.Equal(t, executor.TypeRampingVUs, ec.Type)
		assert.Equal(t, []executor.Stage{{Duration: 5 * time.Second, Target: 10}, {Duration: 10 * time.Second, Target: 0}}, ec.Stages)
		assert.Equal(t, 100.0, cfg.RPS)
	})

	t.Run("invalid values", func(t *testing.T) {
		cfg := config.Default()
		assert.Error(t, config.ApplyOverrides(cfg, config.Overrides{Stages: "5s"}))
		assert.Error(t, config.ApplyOverrides(cfg, config.Overrides{Stages: "5s:many"}))
		assert.Error(t, config.ApplyOverrides(cfg, config.Overrides{Duration: "forever"}))
	})
}

func TestParseStages(t *testing.T) {
	stages, err := config.ParseStages("30s:10,1m:10,30s:0")
	require.NoError(t, err)
	assert.Equal(t, []config.StageConfig{
		{Duration: "30s", Target: 10},
		{Duration: "1m", Target: 10},
		{Duration: "30s", Target: 0},
	}, stages)

	_, err = config.ParseStages(" , ")
	assert.Error(t, err)
}

func TestParseDurationString(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"45", 45 * time.Second, false},
		{"45x", 0, true},
	}

	for _, tt := range tests {
		got, err := config.ParseDurationString(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.TestConfig)
		fields []string
	}{
		{"relative base URL", func(c *config.TestConfig) { c.BaseURL = "localhost:8080" }, []string{"baseUrl"}},
		{"ftp base URL", func(c *config.TestConfig) { c.BaseURL = "ftp://host" }, []string{"baseUrl"}},
		{"no stages", func(c *config.TestConfig) { c.Stages = nil }, []string{"stages"}},
		{"vus without duration or stages", func(c *config.TestConfig) { c.Stages = nil; c.VUs = 3 }, []string{"duration"}},
		{"zero stage duration", func(c *config.TestConfig) { c.Stages[1].Duration = "0s" }, []string{"stages[1].duration"}},
		{"negative stage target", func(c *config.TestConfig) { c.Stages[0].Target = -5 }, []string{"stages[0].target"}},
		{"think time min above max", func(c *config.TestConfig) { c.ThinkTime.Min = "2s" }, []string{"thinkTime"}},
		{"bad threshold", func(c *config.TestConfig) {
			c.Thresholds["http_req_duration"] = threshold.Plain("p95 is fast")
		}, []string{"thresholds.http_req_duration[0]"}},
		{"unknown request tag", func(c *config.TestConfig) {
			c.Thresholds["http_req_duration{name:k2c}"] = threshold.Plain("p(95)<100")
		}, []string{"thresholds.http_req_duration{name:k2c}"}},
		{"bad unit", func(c *config.TestConfig) { c.Probes[0].From = "KELVIN" }, []string{"probes[0].from"}},
		{"duplicate probe", func(c *config.TestConfig) { c.Probes[1].Name = "c2f" }, []string{"probes[1].name"}},
		{"probe named health", func(c *config.TestConfig) { c.Probes[0].Name = "health" }, []string{"probes[0].name"}},
		{"negative tolerance", func(c *config.TestConfig) { c.Tolerance = -1 }, []string{"tolerance"}},
		{"negative gracefulStop", func(c *config.TestConfig) { c.GracefulStop = "-1s" }, []string{"gracefulStop"}},
		{"multiple", func(c *config.TestConfig) { c.RPS = -1; c.HTTP.Timeout = "0s" }, []string{"rps", "http.timeout"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			config.ResolveBaseURL(cfg, noEnv)
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verrs *config.ValidationErrors
			require.True(t, errors.As(err, &verrs))
			var fields []string
			for _, e := range verrs.Errors {
				fields = append(fields, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, fields)
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := &config.ValidationErrors{}
	assert.Equal(t, "no validation errors", errs.Error())

	errs.Add("vus", "vus cannot be negative")
	assert.Equal(t, "validation error on field 'vus': vus cannot be negative", errs.Error())

	errs.Add("", "something else")
	assert.Contains(t, errs.Error(), "2 validation errors:")
	assert.Contains(t, errs.Error(), "  2. validation error: something else")
}

func TestLoad_Examples(t *testing.T) {
	for _, name := range []string{"tempconv.yaml", "smoke.json"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.Load(filepath.Join("..", "..", "examples", name))
			require.NoError(t, err)
			config.ResolveBaseURL(cfg, noEnv)
			require.NoError(t, cfg.Validate())

			_, err = cfg.ExecutorConfig()
			require.NoError(t, err)
			_, err = cfg.ThresholdSet()
			require.NoError(t, err)
		})
	}
}
