package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/tailor/internal/inventory"
)

// YAMLFormatter formats artifacts as YAML.
type YAMLFormatter struct{}

// FormatArtifact formats an artifact as YAML.
func (f *YAMLFormatter) FormatArtifact(a *inventory.Artifact) (string, error) {
	data, err := yaml.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact to YAML: %w", err)
	}

	return string(data), nil
}
