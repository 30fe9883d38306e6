package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// Load reads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func Load(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, path)
}

// Parse decodes configuration data, validates the document against the
// embedded JSON schema and applies defaults.
//
// The format is determined by the file extension in path, or defaults to
// YAML if the path is empty or has an unknown extension.
func Parse(data []byte, path string) (*TestConfig, error) {
	isJSON := strings.ToLower(filepath.Ext(path)) == ".json"

	doc, err := decodeDocument(data, isJSON)
	if err != nil {
		return nil, err
	}

	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var cfg TestConfig
	if isJSON {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// decodeDocument returns the raw document in its JSON form, as the schema
// validator expects.
func decodeDocument(data []byte, isJSON bool) (interface{}, error) {
	var raw interface{}
	if isJSON {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return emptyAsObject(raw), nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	b, err := json.Marshal(emptyAsObject(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return doc, nil
}

func emptyAsObject(v interface{}) interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v
}

// validateSchema checks doc against the embedded schema. Every violation
// is reported as a ValidationError located by its JSON pointer.
func validateSchema(doc interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}

	errs := &ValidationErrors{}
	collectSchemaErrors(verr, errs)
	if !errs.HasErrors() {
		errs.Add("", verr.Error())
	}
	return errs
}

// collectSchemaErrors adds the leaf causes of err, which carry the
// specific messages.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(pointerToField(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// pointerToField turns "/stages/0/duration" into "stages[0].duration".
func pointerToField(ptr string) string {
	var sb strings.Builder
	for _, part := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		if part == "" {
			continue
		}
		if _, err := strconv.Atoi(part); err == nil {
			sb.WriteString("[" + part + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ParseStages parses a compact stage list such as "30s:10,1m:10,30s:0".
func ParseStages(s string) ([]StageConfig, error) {
	var stages []StageConfig
	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dur, target, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("stage %d: expected duration:target, got %q", i, part)
		}
		if _, err := ParseDurationString(dur); err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(target))
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target %q", i, target)
		}
		stages = append(stages, StageConfig{Duration: strings.TrimSpace(dur), Target: n})
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no stages in %q", s)
	}
	return stages, nil
}
