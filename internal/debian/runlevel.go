package debian

import (
	"fmt"
	"strings"

	"github.com/jbweber/tailor/internal/guestfs"
	"github.com/jbweber/tailor/internal/naming"
)

const (
	// DefaultRunlevel is used when /etc/inittab names none.
	DefaultRunlevel = "3"

	// DefaultStartPriority is used when the init script has no usable
	// "# chkconfig:" header. Guests without the header may order the service
	// differently than their own tooling would.
	DefaultStartPriority = "99"
)

// DefaultRunlevelOf reads the guest's default runlevel from the first "id:"
// line of /etc/inittab.
func DefaultRunlevelOf(h guestfs.Handle) (string, error) {
	exists, err := h.Exists(Inittab)
	if err != nil {
		return "", err
	}
	if !exists {
		return DefaultRunlevel, nil
	}

	data, err := h.ReadFile(Inittab)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "id:") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) > 1 && fields[1] != "" {
			return fields[1], nil
		}
		break
	}
	return DefaultRunlevel, nil
}

// StartPriority extracts the start priority from a "# chkconfig: <levels> <start> <stop>"
// header, falling back to DefaultStartPriority.
func StartPriority(script string) string {
	for _, line := range strings.Split(script, "\n") {
		if !strings.HasPrefix(line, "# chkconfig:") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			return DefaultStartPriority
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 2 {
			return DefaultStartPriority
		}
		return fields[1]
	}
	return DefaultStartPriority
}

// ServiceLink resolves the runlevel start link for service.
func ServiceLink(h guestfs.Handle, service string) (string, error) {
	runlevel, err := DefaultRunlevelOf(h)
	if err != nil {
		return "", fmt.Errorf("failed to determine default runlevel: %w", err)
	}

	script := naming.InitScript(service)
	exists, err := h.Exists(script)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrServiceNotInstalled, script)
	}
	data, err := h.ReadFile(script)
	if err != nil {
		return "", err
	}

	return naming.RunlevelLink(runlevel, StartPriority(string(data)), service), nil
}
