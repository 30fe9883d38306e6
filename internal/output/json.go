package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/wesleyorama2/thermoload/internal/engine"
)

// WriteJSON writes result as indented JSON.
func WriteJSON(result *engine.TestResult, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	return nil
}

// WriteJSONFile writes result to path, replacing any existing file.
func WriteJSONFile(result *engine.TestResult, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating summary file: %w", err)
	}
	if err := WriteJSON(result, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
