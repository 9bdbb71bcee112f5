package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"harvester/internal/models"
)

// JSONFile writes <Dir>/candidates-<source>.json, replacing any previous file.
type JSONFile struct {
	Dir string
}

func (j *JSONFile) Path(source string) string {
	return filepath.Join(j.Dir, fmt.Sprintf("candidates-%s.json", source))
}

func (j *JSONFile) Save(_ context.Context, source string, records []models.CandidateRecord) error {
	if records == nil {
		records = []models.CandidateRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("sink: json: %w", err)
	}
	if err := os.MkdirAll(j.Dir, 0o755); err != nil {
		return fmt.Errorf("sink: json: %w", err)
	}

	tmp := j.Path(source) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sink: json: %w", err)
	}
	return os.Rename(tmp, j.Path(source))
}

func (j *JSONFile) Close() error { return nil }
