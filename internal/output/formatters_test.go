package output

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/tailor/internal/inventory"
)

func testArtifact() *inventory.Artifact {
	return inventory.New([]string{"bash", "vim", "bash"}, "debian 12 with editors")
}

func TestXMLFormatter_FormatArtifact(t *testing.T) {
	f := &XMLFormatter{}
	got, err := f.FormatArtifact(testArtifact())
	if err != nil {
		t.Fatalf("FormatArtifact() error = %v", err)
	}

	want := `<?xml version="1.0" encoding="UTF-8"?>
<icicle>
  <description>debian 12 with editors</description>
  <packages>
    <package name="bash"></package>
    <package name="vim"></package>
    <package name="bash"></package>
  </packages>
</icicle>
`
	if got != want {
		t.Errorf("FormatArtifact() =\n%s\nwant:\n%s", got, want)
	}
}

func TestXMLFormatter_EscapesDescription(t *testing.T) {
	f := &XMLFormatter{}
	got, err := f.FormatArtifact(inventory.New(nil, "a <b> & c"))
	if err != nil {
		t.Fatalf("FormatArtifact() error = %v", err)
	}
	if !strings.Contains(got, "a &lt;b&gt; &amp; c") {
		t.Errorf("description not escaped: %s", got)
	}
}

func TestJSONFormatter_FormatArtifact(t *testing.T) {
	f := &JSONFormatter{}
	got, err := f.FormatArtifact(testArtifact())
	if err != nil {
		t.Fatalf("FormatArtifact() error = %v", err)
	}

	var decoded struct {
		Description string `json:"description"`
		Packages    []struct {
			Name string `json:"name"`
		} `json:"packages"`
	}
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Description != "debian 12 with editors" {
		t.Errorf("description = %q", decoded.Description)
	}
	if len(decoded.Packages) != 3 || decoded.Packages[2].Name != "bash" {
		t.Errorf("packages = %+v", decoded.Packages)
	}
	if !strings.HasSuffix(got, "\n") {
		t.Error("JSON output should end with a newline")
	}
}

func TestYAMLFormatter_FormatArtifact(t *testing.T) {
	f := &YAMLFormatter{}
	got, err := f.FormatArtifact(testArtifact())
	if err != nil {
		t.Fatalf("FormatArtifact() error = %v", err)
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("output is not valid YAML: %v", err)
	}
	if _, ok := decoded["xmlname"]; ok {
		t.Error("YAML output should not include the XML element name")
	}
	if !strings.Contains(got, "- name: vim") {
		t.Errorf("YAML output missing package list:\n%s", got)
	}
}

func TestTableFormatter_FormatArtifact(t *testing.T) {
	tests := []struct {
		name      string
		noHeaders bool
		artifact  *inventory.Artifact
		want      []string
		notWant   []string
	}{
		{
			name:     "with headers",
			artifact: testArtifact(),
			want:     []string{"PACKAGE", "1", "bash", "2", "vim", "3"},
		},
		{
			name:      "no headers",
			noHeaders: true,
			artifact:  testArtifact(),
			want:      []string{"bash", "vim"},
			notWant:   []string{"PACKAGE"},
		},
		{
			name:     "empty",
			artifact: inventory.New(nil, ""),
			want:     []string{"No packages found"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &TableFormatter{NoHeaders: tt.noHeaders}
			got, err := f.FormatArtifact(tt.artifact)
			if err != nil {
				t.Fatalf("FormatArtifact() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("output missing %q:\n%s", w, got)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(got, nw) {
					t.Errorf("output should not contain %q:\n%s", nw, got)
				}
			}
		})
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  Format
		want    string
		wantErr bool
	}{
		{format: FormatXML, want: "*output.XMLFormatter"},
		{format: "", want: "*output.XMLFormatter"},
		{format: FormatJSON, want: "*output.JSONFormatter"},
		{format: FormatYAML, want: "*output.YAMLFormatter"},
		{format: FormatTable, want: "*output.TableFormatter"},
		{format: "csv", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			f, err := NewFormatter(Options{Format: tt.format})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := typeName(f); got != tt.want {
				t.Errorf("NewFormatter() type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	for _, ok := range []string{"xml", "json", "yaml", "table", ""} {
		if err := ValidateFormat(ok); err != nil {
			t.Errorf("ValidateFormat(%q) error = %v", ok, err)
		}
	}
	for _, bad := range []string{"csv", "XML", " "} {
		if err := ValidateFormat(bad); err == nil {
			t.Errorf("ValidateFormat(%q) expected error", bad)
		}
	}
}

func TestValidateFormat_AgreesWithNewFormatter(t *testing.T) {
	for _, format := range []string{"", "xml", "json", "yaml", "table", "csv", "XML"} {
		_, err := NewFormatter(Options{Format: Format(format)})
		if got, want := ValidateFormat(format) == nil, err == nil; got != want {
			t.Errorf("ValidateFormat(%q) accepted = %v, NewFormatter accepted = %v", format, got, want)
		}
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *XMLFormatter:
		return "*output.XMLFormatter"
	case *JSONFormatter:
		return "*output.JSONFormatter"
	case *YAMLFormatter:
		return "*output.YAMLFormatter"
	case *TableFormatter:
		return "*output.TableFormatter"
	default:
		return "unknown"
	}
}
