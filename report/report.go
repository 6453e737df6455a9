// Package report renders a completed batch's Stats and per-item Results as
// an HTML report using embedded Go templates.
package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"sort"
	"time"

	"github.com/mykhaliev/llmdispatch/dispatcher"
	"github.com/mykhaliev/llmdispatch/stats"
)

//go:embed templates/*.html templates/*.css
var templateFS embed.FS

// ReportData is the view model fed to the template.
type ReportData struct {
	CSS         template.CSS
	GeneratedAt string
	BatchID     string
	Summary     SummaryView
	ErrorKinds  []ErrorKindRow
	Items       []ItemView
}

// SummaryView mirrors the derived quantities of a stats.Stats snapshot.
type SummaryView struct {
	Total           int
	Successful      int
	Failed          int
	SuccessRatePct  float64
	CacheHitRatePct float64
	EfficiencyPct   float64
	CostTotal       string
	InputTokens     int64
	OutputTokens    int64
	CachedTokens    int64
	AvgResponseMs   float64
	RetryCount      int
	RateLimitEvents int
	ConcurrencyPeak int
}

// ErrorKindRow is one row of the failure breakdown table.
type ErrorKindRow struct {
	Kind  string
	Count int
}

// ItemView is one per-request row in the detail table.
type ItemView struct {
	ID         string
	Success    bool
	Content    string
	Cost       string
	TokensUsed int
	Attempts   int
	ErrorKind  string
}

// Generator renders ReportData through the embedded HTML template.
type Generator struct {
	tmpl *template.Template
}

// NewGenerator parses the embedded report template.
func NewGenerator() (*Generator, error) {
	funcMap := template.FuncMap{
		"formatNumber": formatNumber,
		"pct":          func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
	}
	tmpl, err := template.New("report.html").Funcs(funcMap).ParseFS(templateFS, "templates/report.html")
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Generator{tmpl: tmpl}, nil
}

// GenerateHTML renders batchID's Stats and Results as an HTML string.
func (g *Generator) GenerateHTML(batchID string, batchStats stats.Stats, results []dispatcher.Result) (string, error) {
	data := buildReportData(batchID, batchStats, results)

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute report template: %w", err)
	}
	return buf.String(), nil
}

// GenerateHTMLToFile renders the report and writes it to outputPath.
func (g *Generator) GenerateHTMLToFile(batchID string, batchStats stats.Stats, results []dispatcher.Result, outputPath string) error {
	html, err := g.GenerateHTML(batchID, batchStats, results)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, []byte(html), 0644); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}
	return nil
}

// GenerateJSON renders batchStats and results as a JSON document, for
// machine consumption alongside (or instead of) the HTML report.
func GenerateJSON(batchID string, batchStats stats.Stats, results []dispatcher.Result) ([]byte, error) {
	data := buildReportData(batchID, batchStats, results)
	return json.MarshalIndent(data, "", "  ")
}

func buildReportData(batchID string, s stats.Stats, results []dispatcher.Result) ReportData {
	cssBytes, err := templateFS.ReadFile("templates/report.css")
	if err != nil {
		cssBytes = []byte("/* report.css missing */")
	}

	kinds := make([]ErrorKindRow, 0, len(s.ErrorKindHist))
	for kind, count := range s.ErrorKindHist {
		kinds = append(kinds, ErrorKindRow{Kind: kind, Count: count})
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Count > kinds[j].Count })

	items := make([]ItemView, len(results))
	for i, r := range results {
		items[i] = ItemView{
			ID:         r.ID,
			Success:    r.Success,
			Content:    r.Content,
			Cost:       fmt.Sprintf("%.6f", r.Cost),
			TokensUsed: r.TokensUsed,
			Attempts:   r.Attempts,
			ErrorKind:  string(r.ErrorKind),
		}
	}

	return ReportData{
		CSS:         template.CSS(cssBytes),
		GeneratedAt: time.Now().Format(time.RFC3339),
		BatchID:     batchID,
		Summary: SummaryView{
			Total:           s.Total,
			Successful:      s.Successful,
			Failed:          s.Failed,
			SuccessRatePct:  s.SuccessRate() * 100,
			CacheHitRatePct: s.CacheHitRate() * 100,
			EfficiencyPct:   s.EfficiencyRate() * 100,
			CostTotal:       fmt.Sprintf("%.6f", s.CostTotal),
			InputTokens:     s.InputTokens,
			OutputTokens:    s.OutputTokens,
			CachedTokens:    s.CachedTokens,
			AvgResponseMs:   float64(s.AvgResponseTime().Milliseconds()),
			RetryCount:      s.RetryCount,
			RateLimitEvents: s.APIRateLimitsDetected,
			ConcurrencyPeak: s.ConcurrencyPeak,
		},
		ErrorKinds: kinds,
		Items:      items,
	}
}

func formatNumber(n int) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}
	result := ""
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(c)
	}
	return result
}
