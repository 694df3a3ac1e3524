package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-channels/models"
)

// DualWriter fans every batch out to a CSV report and a JSONL report.
type DualWriter struct {
	mu      sync.Mutex
	names   []string
	writers []OutputWriter
}

// NewDualWriter opens both report files.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("open csv report: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("open json report: %w", err)
	}

	return &DualWriter{
		names:   []string{"csv", "json"},
		writers: []OutputWriter{csvWriter, jsonWriter},
	}, nil
}

// Write stops at the first writer that fails.
func (dw *DualWriter) Write(videos []*models.Video) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	for i, w := range dw.writers {
		if err := w.Write(videos); err != nil {
			return fmt.Errorf("%s write: %w", dw.names[i], err)
		}
	}
	return nil
}

// Close closes every writer and joins their errors.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	return dw.each(OutputWriter.Close, "close")
}

// Validate checks every output file.
func (dw *DualWriter) Validate() error {
	return dw.each(OutputWriter.Validate, "validate")
}

func (dw *DualWriter) each(fn func(OutputWriter) error, op string) error {
	var errs []error
	for i, w := range dw.writers {
		if err := fn(w); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", dw.names[i], op, err))
		}
	}
	return errors.Join(errs...)
}
