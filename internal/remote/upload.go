package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
)

// Upload copies localPath into the running guest at dest by running "scp -t"
// there and sending the file to it. The file keeps its local permission bits.
func (e *Executor) Upload(ctx context.Context, addr, localPath, dest string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	e.log.WithField("address", addr).Debugf("uploading %s to %s", localPath, dest)

	client, err := e.connect(ctx, addr)
	if err != nil {
		return e.classify(ctx, fmt.Errorf("%w: %w", ErrNotConnected, err))
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return e.classify(ctx, fmt.Errorf("unable to create SSH session: %w", err))
	}
	defer func() { _ = session.Close() }()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open scp stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open scp stdout: %w", err)
	}

	err = waitContext(ctx, client, func() error {
		if err := session.Start("scp -t " + shellQuote(dest)); err != nil {
			return fmt.Errorf("failed to start scp: %w", err)
		}
		if err := sendFile(stdin, bufio.NewReader(stdout), f, info, path.Base(dest)); err != nil {
			return err
		}
		return session.Wait()
	})
	if err != nil {
		return e.classify(ctx, fmt.Errorf("failed to upload %s to %s:%s: %w", localPath, addr, dest, err))
	}
	return nil
}

// sendFile speaks the source side of the scp protocol for a single file.
func sendFile(w io.WriteCloser, r *bufio.Reader, src io.Reader, info os.FileInfo, name string) error {
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", info.Mode().Perm(), info.Size(), name); err != nil {
		return fmt.Errorf("failed to send file header: %w", err)
	}
	if err := readAck(r); err != nil {
		return err
	}
	if _, err := io.CopyN(w, src, info.Size()); err != nil {
		return fmt.Errorf("failed to send file content: %w", err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to finish file: %w", err)
	}
	if err := readAck(r); err != nil {
		return err
	}
	// The sink may already have exited after its final ack.
	if err := w.Close(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to close scp stdin: %w", err)
	}
	return nil
}

// readAck consumes one scp response. 0 is success; 1 and 2 carry a message.
func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read scp response: %w", err)
	}
	if code == 0 {
		return nil
	}
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp error: %s", strings.TrimSpace(msg))
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
