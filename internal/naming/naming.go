// Package naming provides the naming conventions tailor uses for guest
// paths, runlevel links and transient domains.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// BackupSuffix is appended to a guest path to form its backup location.
const BackupSuffix = ".tailor-backup"

// BackupPath returns where the prior content of path is kept during a transaction.
//
// Example: /etc/ssh/sshd_config → /etc/ssh/sshd_config.tailor-backup
func BackupPath(path string) string {
	return strings.TrimSuffix(path, "/") + BackupSuffix
}

// InitScript returns the SysV init script path for a service.
func InitScript(service string) string {
	return "/etc/init.d/" + service
}

// RunlevelLink returns the start link that activates service in runlevel.
// Format: /etc/rc{runlevel}.d/S{priority}{service} (e.g. "/etc/rc2.d/S20ssh")
func RunlevelLink(runlevel, priority, service string) string {
	return fmt.Sprintf("/etc/rc%s.d/S%s%s", runlevel, priority, service)
}

// TransientDomainName returns the name used for the domain booted during a
// transaction. Libvirt refuses duplicate names, so the guest uuid is folded in.
// Format: {name}-tailor-{first 8 chars of uuid}
func TransientDomainName(name, guestUUID string) string {
	short := strings.ReplaceAll(guestUUID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-tailor-%s", name, short)
}

// ParseIPv4 validates an announced guest address and returns it in canonical form.
// A CIDR suffix is accepted and dropped.
func ParseIPv4(ip string) (string, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return "", fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return "", fmt.Errorf("invalid IP address: %s", ipStr)
	}

	ipv4 := parsedIP.To4()
	if ipv4 == nil {
		return "", fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4.String(), nil
}
