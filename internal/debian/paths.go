package debian

// Guest paths touched by the setup stages.
const (
	SSHDir         = "/root/.ssh"
	AuthorizedKeys = "/root/.ssh/authorized_keys"

	SSHDBinary     = "/usr/sbin/sshd"
	SSHDConfigPath = "/etc/ssh/sshd_config"
	SSHService     = "ssh"

	CronBinary     = "/usr/sbin/cron"
	CronService    = "cron"
	AnnounceScript = "/root/reportip"
	AnnounceJob    = "/etc/cron.d/announce"

	Inittab = "/etc/inittab"

	// AnnounceDevice is the serial port the guest reports its address on.
	AnnounceDevice = "/dev/ttyS0"
)

// HostKeyFiles are generated by the guest's first boot and removed so that
// images never share host identity.
var HostKeyFiles = []string{
	"/etc/ssh/ssh_host_dsa_key",
	"/etc/ssh/ssh_host_dsa_key.pub",
	"/etc/ssh/ssh_host_rsa_key",
	"/etc/ssh/ssh_host_rsa_key.pub",
	"/etc/ssh/ssh_host_ecdsa_key",
	"/etc/ssh/ssh_host_ecdsa_key.pub",
	"/etc/ssh/ssh_host_ed25519_key",
	"/etc/ssh/ssh_host_ed25519_key.pub",
	"/etc/ssh/ssh_host_key",
	"/etc/ssh/ssh_host_key.pub",
}
