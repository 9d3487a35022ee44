// Package output provides formatters for tailor's inventory artifacts
// in various formats (xml, json, yaml, table).
package output

import (
	"fmt"

	"github.com/jbweber/tailor/internal/inventory"
)

// Format represents an output format type.
type Format string

const (
	// FormatXML is the ICICLE document format.
	FormatXML Format = "xml"
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats inventory artifacts for output.
type Formatter interface {
	// FormatArtifact formats a single inventory artifact.
	FormatArtifact(a *inventory.Artifact) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatXML, "":
		return &XMLFormatter{}, nil
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: xml, table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid. An empty format selects xml.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatXML, FormatTable, FormatYAML, FormatJSON, "":
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: xml, table, yaml, json)", format)
	}
}
