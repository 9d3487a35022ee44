package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/tailor/internal/inventory"
)

// JSONFormatter formats artifacts as JSON.
type JSONFormatter struct{}

// FormatArtifact formats an artifact as JSON.
func (f *JSONFormatter) FormatArtifact(a *inventory.Artifact) (string, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact to JSON: %w", err)
	}

	return string(data) + "\n", nil
}
