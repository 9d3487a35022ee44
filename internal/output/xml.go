package output

import (
	"encoding/xml"
	"fmt"

	"github.com/jbweber/tailor/internal/inventory"
)

// XMLFormatter formats artifacts as ICICLE XML.
type XMLFormatter struct{}

// FormatArtifact formats an artifact as an indented ICICLE document.
func (f *XMLFormatter) FormatArtifact(a *inventory.Artifact) (string, error) {
	data, err := xml.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact to XML: %w", err)
	}
	return xml.Header + string(data) + "\n", nil
}
