// Package metadata tags the transient domains tailor boots with a record of
// the run, using libvirt's custom XML metadata. A domain left behind by an
// interrupted run can be traced back to its image and transaction from
// `virsh dumpxml` alone.
package metadata

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"libvirt.org/go/libvirtxml"
)

const (
	// Namespace is the XML namespace of tailor's metadata element.
	Namespace = "https://github.com/jbweber/tailor/v1"

	// elementName is the local name of the metadata element.
	elementName = "run"
)

// Run describes the transaction a transient domain belongs to.
type Run struct {
	OriginalName string    `yaml:"originalName"`
	UUID         string    `yaml:"uuid"`
	Started      time.Time `yaml:"started"`
}

// element is the XML wrapper. The run is stored as YAML text so it stays
// readable when inspecting the domain XML directly.
type element struct {
	XMLName xml.Name `xml:"run"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

// Encode returns the metadata element for run.
func Encode(run Run) (string, error) {
	yamlData, err := yaml.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run metadata to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(element{Xmlns: Namespace, YAML: string(yamlData)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal run metadata to XML: %w", err)
	}
	return string(xmlData), nil
}

// Apply adds the run element to domain's metadata, replacing an earlier tailor
// element and keeping everything else.
func Apply(domain *libvirtxml.Domain, run Run) error {
	encoded, err := Encode(run)
	if err != nil {
		return err
	}

	existing := ""
	if domain.Metadata != nil {
		if existing, err = without(domain.Metadata.XML); err != nil {
			return err
		}
	}
	domain.Metadata = &libvirtxml.DomainMetadata{XML: existing + encoded}
	return nil
}

// Find returns the run recorded in a domain's metadata, or nil if there is none.
func Find(domain *libvirtxml.Domain) (*Run, error) {
	if domain.Metadata == nil {
		return nil, nil
	}

	dec := xml.NewDecoder(strings.NewReader(domain.Metadata.XML))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse domain metadata: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || !isRun(start) {
			continue
		}

		var el element
		if err := dec.DecodeElement(&el, &start); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run metadata XML: %w", err)
		}
		var run Run
		if err := yaml.Unmarshal([]byte(el.YAML), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run metadata from YAML: %w", err)
		}
		return &run, nil
	}
}

// without returns inner with tailor's top-level run element cut out. The
// rest is kept byte for byte so foreign namespace prefixes survive.
func without(inner string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(inner))

	depth, start := 0, -1
	for {
		before := dec.InputOffset()
		tok, err := dec.RawToken()
		if err == io.EOF {
			return inner, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to parse domain metadata: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 && isRun(t) {
				start = int(before)
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 && start >= 0 {
				return inner[:start] + inner[dec.InputOffset():], nil
			}
		}
	}
}

func isRun(start xml.StartElement) bool {
	if start.Name.Local != elementName {
		return false
	}
	if start.Name.Space == Namespace {
		return true
	}
	for _, a := range start.Attr {
		if a.Name.Local == "xmlns" && a.Value == Namespace {
			return true
		}
	}
	return false
}
