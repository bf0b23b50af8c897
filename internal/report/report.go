package report

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

const (
	// FormatConsole renders a human-readable summary.
	FormatConsole = "console"
	// FormatYAML renders the report as a YAML document.
	FormatYAML = "yaml"
	// FormatJSON renders the report as indented JSON.
	FormatJSON = "json"

	unsupportedFormatTemplateConstant = "unsupported report format %q"
	renderErrorTemplateConstant       = "unable to render %s report: %w"
	jsonIndentConstant                = "  "
	yamlIndentConstant                = 2

	consoleSummaryTemplateConstant    = "Upgrade summary: %d scope(s) processed, %d skipped, %d node(s) converted, %d backup(s), %d reference(s) rewritten, %d obsolete record(s) removed\n"
	consoleCandidateTemplateConstant  = "CANDIDATE %s %s (%s)%s\n"
	consoleReferencedSuffixConstant   = " referenced"
	consoleDiagnosticTemplateConstant = "%s %s %s: %s\n"
	consoleSuggestionTemplateConstant = "  did you mean %s?\n"
	consoleNoDiagnosticsConstant      = "No diagnostics.\n"
	consoleUnknownTargetConstant      = "-"
)

// ErrUnsupportedFormat reports a format the renderer does not know.
var ErrUnsupportedFormat = errors.New("unsupported report format")

// Summary counts the work an upgrade run performed.
type Summary struct {
	ScopesProcessed   int `json:"scopes_processed" yaml:"scopes_processed"`
	ScopesSkipped     int `json:"scopes_skipped" yaml:"scopes_skipped"`
	NodesConverted    int `json:"nodes_converted" yaml:"nodes_converted"`
	BackupsCreated    int `json:"backups_created" yaml:"backups_created"`
	ReferencesUpdated int `json:"references_updated" yaml:"references_updated"`
	RecordsRemoved    int `json:"records_removed" yaml:"records_removed"`
}

// Entry is one diagnostic line.
type Entry struct {
	Kind       string `json:"kind" yaml:"kind"`
	Scope      string `json:"scope" yaml:"scope"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	RecordType string `json:"record_type,omitempty" yaml:"record_type,omitempty"`
	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Message    string `json:"message" yaml:"message"`
	Suggestion string `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// Candidate is one node a scan found eligible for conversion.
type Candidate struct {
	Scope      string `json:"scope" yaml:"scope"`
	Node       string `json:"node" yaml:"node"`
	Name       string `json:"name" yaml:"name"`
	Referenced bool   `json:"referenced,omitempty" yaml:"referenced,omitempty"`
}

// Document is the complete rendered report.
type Document struct {
	Succeeded   bool        `json:"succeeded" yaml:"succeeded"`
	Summary     Summary     `json:"summary" yaml:"summary"`
	Candidates  []Candidate `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Diagnostics []Entry     `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
}

// Renderer writes report documents in a fixed format.
type Renderer struct {
	format string
	writer io.Writer
}

// NewRenderer validates the format and constructs a renderer writing to writer.
func NewRenderer(format string, writer io.Writer) (*Renderer, error) {
	normalizedFormat := strings.ToLower(strings.TrimSpace(format))
	if len(normalizedFormat) == 0 {
		normalizedFormat = FormatConsole
	}
	switch normalizedFormat {
	case FormatConsole, FormatYAML, FormatJSON:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, fmt.Sprintf(unsupportedFormatTemplateConstant, format))
	}
	if writer == nil {
		writer = os.Stdout
	}
	return &Renderer{format: normalizedFormat, writer: writer}, nil
}

// Format returns the normalized output format.
func (renderer *Renderer) Format() string {
	return renderer.format
}

// Render writes the document.
func (renderer *Renderer) Render(document Document) error {
	switch renderer.format {
	case FormatJSON:
		encoded, encodeError := sonic.MarshalIndent(document, "", jsonIndentConstant)
		if encodeError != nil {
			return fmt.Errorf(renderErrorTemplateConstant, renderer.format, encodeError)
		}
		if _, writeError := renderer.writer.Write(append(encoded, '\n')); writeError != nil {
			return fmt.Errorf(renderErrorTemplateConstant, renderer.format, writeError)
		}
		return nil
	case FormatYAML:
		encoder := yaml.NewEncoder(renderer.writer)
		encoder.SetIndent(yamlIndentConstant)
		if encodeError := encoder.Encode(document); encodeError != nil {
			return fmt.Errorf(renderErrorTemplateConstant, renderer.format, encodeError)
		}
		if closeError := encoder.Close(); closeError != nil {
			return fmt.Errorf(renderErrorTemplateConstant, renderer.format, closeError)
		}
		return nil
	default:
		return renderer.renderConsole(document)
	}
}

func (renderer *Renderer) renderConsole(document Document) error {
	var builder strings.Builder
	summary := document.Summary
	fmt.Fprintf(&builder, consoleSummaryTemplateConstant,
		summary.ScopesProcessed,
		summary.ScopesSkipped,
		summary.NodesConverted,
		summary.BackupsCreated,
		summary.ReferencesUpdated,
		summary.RecordsRemoved,
	)
	for _, candidate := range document.Candidates {
		suffix := ""
		if candidate.Referenced {
			suffix = consoleReferencedSuffixConstant
		}
		fmt.Fprintf(&builder, consoleCandidateTemplateConstant, candidate.Scope, candidate.Name, candidate.Node, suffix)
	}
	if len(document.Diagnostics) == 0 {
		builder.WriteString(consoleNoDiagnosticsConstant)
	}
	for _, entry := range document.Diagnostics {
		target := entry.Target
		if len(target) == 0 {
			target = consoleUnknownTargetConstant
		}
		fmt.Fprintf(&builder, consoleDiagnosticTemplateConstant, strings.ToUpper(entry.Kind), entry.Scope, target, entry.Message)
		if len(entry.Suggestion) > 0 {
			fmt.Fprintf(&builder, consoleSuggestionTemplateConstant, entry.Suggestion)
		}
	}
	if _, writeError := io.WriteString(renderer.writer, builder.String()); writeError != nil {
		return fmt.Errorf(renderErrorTemplateConstant, renderer.format, writeError)
	}
	return nil
}
