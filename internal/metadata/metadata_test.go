package metadata

import (
	"strings"
	"testing"
	"time"

	"libvirt.org/go/libvirtxml"
)

func testRun() Run {
	return Run{
		OriginalName: "debian12",
		UUID:         "6f1c2a9e-0b7d-4c55-9a1e-1234567890ab",
		Started:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncode(t *testing.T) {
	out, err := Encode(testRun())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if !strings.HasPrefix(out, `<run xmlns="`+Namespace+`">`) {
		t.Errorf("unexpected element: %s", out)
	}
	for _, want := range []string{"originalName: debian12", "uuid: 6f1c2a9e-0b7d-4c55-9a1e-1234567890ab"} {
		if !strings.Contains(out, want) {
			t.Errorf("encoded metadata missing %q: %s", want, out)
		}
	}
}

func TestApplyFind_RoundTrip(t *testing.T) {
	domain := &libvirtxml.Domain{Name: "debian12"}
	if err := Apply(domain, testRun()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// Survive a trip through the full domain document.
	doc, err := domain.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed := &libvirtxml.Domain{}
	if err := parsed.Unmarshal(doc); err != nil {
		t.Fatal(err)
	}

	run, err := Find(parsed)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if run == nil {
		t.Fatal("Find() returned nil")
	}
	want := testRun()
	if run.OriginalName != want.OriginalName || run.UUID != want.UUID || !run.Started.Equal(want.Started) {
		t.Errorf("Find() = %+v, want %+v", run, want)
	}
}

func TestApply_KeepsForeignMetadata(t *testing.T) {
	foreign := `<libosinfo:libosinfo xmlns:libosinfo="http://libosinfo.org/xmlns/libvirt/domain/1.0"><libosinfo:os id="http://debian.org/debian/12"/></libosinfo:libosinfo>`
	domain := &libvirtxml.Domain{Metadata: &libvirtxml.DomainMetadata{XML: foreign}}

	if err := Apply(domain, testRun()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !strings.HasPrefix(domain.Metadata.XML, foreign) {
		t.Errorf("foreign metadata not preserved: %s", domain.Metadata.XML)
	}

	// Applying again replaces tailor's element instead of adding a second one.
	second := testRun()
	second.UUID = "11111111-2222-3333-4444-555555555555"
	if err := Apply(domain, second); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if n := strings.Count(domain.Metadata.XML, Namespace); n != 1 {
		t.Errorf("expected one tailor element, found %d: %s", n, domain.Metadata.XML)
	}
	if !strings.HasPrefix(domain.Metadata.XML, foreign) {
		t.Errorf("foreign metadata not preserved: %s", domain.Metadata.XML)
	}

	run, err := Find(domain)
	if err != nil || run == nil {
		t.Fatalf("Find() = %v, %v", run, err)
	}
	if run.UUID != second.UUID {
		t.Errorf("UUID = %q, want %q", run.UUID, second.UUID)
	}
}

func TestFind_None(t *testing.T) {
	tests := []struct {
		name   string
		domain *libvirtxml.Domain
	}{
		{name: "no metadata", domain: &libvirtxml.Domain{}},
		{name: "foreign only", domain: &libvirtxml.Domain{Metadata: &libvirtxml.DomainMetadata{XML: `<other xmlns="urn:x">1</other>`}}},
		{name: "same name other namespace", domain: &libvirtxml.Domain{Metadata: &libvirtxml.DomainMetadata{XML: `<run xmlns="urn:x">1</run>`}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := Find(tt.domain)
			if err != nil || run != nil {
				t.Errorf("Find() = %v, %v; want nil, nil", run, err)
			}
		})
	}
}

func TestFind_Malformed(t *testing.T) {
	domain := &libvirtxml.Domain{Metadata: &libvirtxml.DomainMetadata{XML: `<run xmlns="` + Namespace + `">uuid: [unclosed</run>`}}
	if _, err := Find(domain); err == nil {
		t.Error("expected error for malformed YAML, got nil")
	}
}
