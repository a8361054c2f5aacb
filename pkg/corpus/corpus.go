// Package corpus loads document corpora from JSON files.
package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cortexqa/engine/engine/domain"
)

// Decode reads a JSON array of records and validates each one. The first
// invalid record aborts the load.
func Decode(r io.Reader) ([]domain.Record, error) {
	var records []domain.Record
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("corpus: decode: %w", err)
	}

	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if err := domain.ValidateRecord(rec); err != nil {
			return nil, fmt.Errorf("corpus: record %d: %w", i, err)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("corpus: record %d: %w", i,
				&domain.RequestError{Field: "id", Value: rec.ID})
		}
		seen[rec.ID] = struct{}{}
	}
	return records, nil
}

// LoadFile loads and validates a corpus from a JSON file on disk.
func LoadFile(path string) ([]domain.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}
