package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/jbweber/tailor/internal/inventory"
)

// TableFormatter formats artifacts as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatArtifact lists one package per row, numbered in collection order.
func (f *TableFormatter) FormatArtifact(a *inventory.Artifact) (string, error) {
	if len(a.Packages) == 0 {
		return "No packages found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "#\tPACKAGE")
	}

	for i, p := range a.Packages {
		_, _ = fmt.Fprintf(w, "%d\t%s\n", i+1, p.Name)
	}

	_ = w.Flush()
	return buf.String(), nil
}
