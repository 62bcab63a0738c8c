package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects how a report is rendered.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts text, json or yaml; the empty string means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q: want text, json or yaml", s)
	}
}

// Check is one pass/fail verdict.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Passed bool   `json:"passed" yaml:"passed"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Metric is one named counter.
type Metric struct {
	Name  string `json:"name" yaml:"name"`
	Value uint64 `json:"value" yaml:"value"`
}

// Report is the result of one diagnostic.
type Report struct {
	Name    string   `json:"name" yaml:"name"`
	Tag     string   `json:"-" yaml:"-"`
	Title   string   `json:"title" yaml:"title"`
	Checks  []Check  `json:"checks" yaml:"checks"`
	Metrics []Metric `json:"metrics" yaml:"metrics"`
}

func (r *Report) check(name string, passed bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
}

func (r *Report) metric(name string, v uint64) {
	r.Metrics = append(r.Metrics, Metric{Name: name, Value: v})
}

// Passed returns the number of passing checks.
func (r *Report) Passed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Passed {
			n++
		}
	}
	return n
}

// OK reports whether every check passed.
func (r *Report) OK() bool { return r.Passed() == len(r.Checks) }

// Metric returns the value of the named metric.
func (r *Report) Metric(name string) (uint64, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m.Value, true
		}
	}
	return 0, false
}

// Render writes the report in format f.
func (r *Report) Render(w io.Writer, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return r.renderText(w)
	default:
		return fmt.Errorf("unknown format %q", f)
	}
}

func (r *Report) renderText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ========== %s ==========\n", r.Tag, r.Title)
	for _, c := range r.Checks {
		verdict := "OK"
		if !c.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %s %s", r.Tag, verdict, c.Name)
		if c.Detail != "" {
			fmt.Fprintf(&b, ": %s", c.Detail)
		}
		b.WriteByte('\n')
	}
	for _, m := range r.Metrics {
		fmt.Fprintf(&b, "METRIC %s=%d\n", m.Name, m.Value)
	}
	fmt.Fprintf(&b, "[%s] complete: %d/%d checks passed\n", r.Tag, r.Passed(), len(r.Checks))
	_, err := io.WriteString(w, b.String())
	return err
}
