// Package pricing loads and serves per-model token pricing.
package pricing

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry is one model's per-1000-token pricing, plus its structured-output
// capability flag.
type Entry struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	Cache      float64 `json:"cache"`
	JSONSchema bool    `json:"json_schema"`
}

// Table is a static mapping of model name to pricing entry, loaded once at
// startup. It also serves as the model capability gate (§4.4): callers check
// SupportsJSONSchema before attempting structured output.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a Table from an in-memory mapping. Useful for tests and for
// callers that source pricing from something other than a JSON file.
func NewTable(entries map[string]Entry) *Table {
	cp := make(map[string]Entry, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &Table{entries: cp}
}

// LoadFile reads a pricing table from a JSON file shaped as
// {"model-name": {"input":..,"output":..,"cache":..,"json_schema":bool}, ...}.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	for model, e := range raw {
		if e.Input < 0 || e.Output < 0 || e.Cache < 0 {
			return nil, fmt.Errorf("pricing entry %q has a negative price", model)
		}
		if e.Cache > e.Input {
			return nil, fmt.Errorf("pricing entry %q has cache price greater than input price", model)
		}
	}
	return NewTable(raw), nil
}

// Lookup returns the pricing entry for model, and whether it exists.
func (t *Table) Lookup(model string) (Entry, bool) {
	e, ok := t.entries[model]
	return e, ok
}

// SupportsJSONSchema reports whether model is both known and capable of
// structured (JSON-schema constrained) output.
func (t *Table) SupportsJSONSchema(model string) bool {
	e, ok := t.entries[model]
	return ok && e.JSONSchema
}

// CompatibleModels lists known models that support structured output, for use
// in a SchemaUnsupportedError message.
func (t *Table) CompatibleModels() []string {
	var out []string
	for model, e := range t.entries {
		if e.JSONSchema {
			out = append(out, model)
		}
	}
	return out
}

// Cost computes the cache-discounted cost for a single successful call.
//
//	cost = ((input - cached)*p.Input + cached*p.Cache + output*p.Output) / 1000
func (e Entry) Cost(inputTokens, outputTokens, cachedTokens int) float64 {
	uncached := float64(inputTokens - cachedTokens)
	return (uncached*e.Input + float64(cachedTokens)*e.Cache + float64(outputTokens)*e.Output) / 1000.0
}
