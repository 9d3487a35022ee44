package debian

import "fmt"

// SSHDConfig replaces the guest's sshd_config while the transaction runs.
const SSHDConfig = `SyslogFacility AUTHPRIV
PasswordAuthentication yes
ChallengeResponseAuthentication no
GSSAPIAuthentication yes
GSSAPICleanupCredentials yes
UsePAM yes
AcceptEnv LANG LC_CTYPE LC_NUMERIC LC_TIME LC_COLLATE LC_MONETARY LC_MESSAGES
AcceptEnv LC_PAPER LC_NAME LC_ADDRESS LC_TELEPHONE LC_MEASUREMENT
AcceptEnv LC_IDENTIFICATION LC_ALL LANGUAGE
AcceptEnv XMODIFIERS
X11Forwarding yes
Subsystem       sftp    /usr/libexec/openssh/sftp-server
`

// CronEntry runs the announcement script every minute.
const CronEntry = `*/1 * * * * root /bin/bash -c "/root/reportip"` + "\n"

// AnnounceScriptContent returns a script that writes "!<ipv4>,<guestUUID>!"
// to the announce serial device, using the address of the default route's
// interface.
func AnnounceScriptContent(guestUUID string) string {
	return "#!/bin/bash\n" +
		"/bin/sleep 20\n" +
		"DEV=$(/usr/bin/awk '{if ($2 == 0) print $1}' /proc/net/route) &&\n" +
		"[ -z \"$DEV\" ] && exit 0\n" +
		"ADDR=$(/sbin/ip -4 -o addr show dev $DEV | /usr/bin/awk '{print $4}' | /usr/bin/cut -d/ -f1) &&\n" +
		"[ -z \"$ADDR\" ] && exit 0\n" +
		fmt.Sprintf("echo -n \"!$ADDR,%s!\" > %s\n", guestUUID, AnnounceDevice)
}
