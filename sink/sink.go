// Package sink provides the minimal default output Sink: persisting results
// is out of scope of the dispatcher itself (spec §1), but a JSONL-append
// writer is the obvious default wiring for the CLI.
package sink

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mykhaliev/llmdispatch/dispatcher"
)

// Sink consumes completed Results, one batch at a time.
type Sink interface {
	Write(results []dispatcher.Result) error
}

// FileSink appends one JSON object per line to Path, creating it if absent.
type FileSink struct {
	Path string
}

// NewFileSink constructs a FileSink.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

type resultRecord struct {
	ID           string  `json:"id"`
	Success      bool    `json:"success"`
	Content      string  `json:"content,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	Cost         float64 `json:"cost"`
	Attempts     int     `json:"attempts"`
	ErrorKind    string  `json:"error_kind,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func (s *FileSink) Write(results []dispatcher.Result) error {
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range results {
		rec := resultRecord{
			ID:           r.ID,
			Success:      r.Success,
			Content:      r.Content,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CachedTokens: r.CachedTokens,
			Cost:         r.Cost,
			Attempts:     r.Attempts,
			ErrorKind:    string(r.ErrorKind),
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write result record: %w", err)
		}
	}
	return nil
}
