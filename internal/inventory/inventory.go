// Package inventory turns a guest's package database listing into an
// inventory artifact.
package inventory

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/jbweber/tailor/internal/remote"
)

const (
	// ListCommand prints one "name<TAB>...<status>" line per package.
	ListCommand = "dpkg --get-selections"

	// ListTimeout bounds ListCommand; package databases can be large.
	ListTimeout = 30 * time.Second
)

// Package is one installed package.
type Package struct {
	Name string `xml:"name,attr" json:"name" yaml:"name"`
}

// Artifact is the inventory of a customized guest. Its XML form is an
// ICICLE document.
type Artifact struct {
	XMLName     xml.Name  `xml:"icicle" json:"-" yaml:"-"`
	Description string    `xml:"description" json:"description" yaml:"description"`
	Packages    []Package `xml:"packages>package" json:"packages" yaml:"packages"`
}

// New builds an artifact from package names, in order.
func New(names []string, description string) *Artifact {
	pkgs := make([]Package, len(names))
	for i, n := range names {
		pkgs[i] = Package{Name: n}
	}
	return &Artifact{Description: description, Packages: pkgs}
}

// Names returns the package names in order.
func (a *Artifact) Names() []string {
	names := make([]string, len(a.Packages))
	for i, p := range a.Packages {
		names[i] = p.Name
	}
	return names
}

// Parse returns the first field of every non-blank line, in input order,
// keeping duplicates. Fields are tab separated; lines without a tab fall
// back to whitespace.
func Parse(raw string) []string {
	names := []string{}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			names = append(names, line[:i])
			continue
		}
		names = append(names, strings.Fields(line)[0])
	}
	return names
}

// Collect lists the packages installed on the guest at addr. A zero timeout
// means ListTimeout.
func Collect(ctx context.Context, r remote.Runner, addr, description string, timeout time.Duration) (*Artifact, error) {
	if timeout <= 0 {
		timeout = ListTimeout
	}
	res, err := r.Execute(ctx, addr, ListCommand, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	return New(Parse(res.Stdout), description), nil
}
