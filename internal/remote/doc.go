// Package remote runs commands on a booted guest over SSH.
//
// The Executor authenticates with the transaction's generated private key,
// bounds every call with a timeout, captures stdout and stderr, and reports a
// non-zero exit status as *ExitError. Upload copies a local file into the
// running guest by feeding a remote "scp -t" over the same kind of channel.
//
// The Gate polls a trivial command until the guest accepts remote commands
// or its attempt budget runs out.
package remote
