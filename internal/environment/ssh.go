package environment

import (
	"bytes"
	"ciengine/internal/step/types"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrHostKeyRequired is returned by Dial for a target without a host key
// when host keys are required.
var ErrHostKeyRequired = errors.New("host key required")

// SSHRemote opens SSH sessions with public key authentication.
type SSHRemote struct {
	dialTimeout    time.Duration
	requireHostKey bool
	logger         *slog.Logger
}

// NewSSHRemote creates a transport. A zero timeout defaults to 30s. With
// requireHostKey set, targets without a host key are refused.
func NewSSHRemote(dialTimeout time.Duration, requireHostKey bool) *SSHRemote {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &SSHRemote{
		dialTimeout:    dialTimeout,
		requireHostKey: requireHostKey,
		logger:         slog.With("component", "ssh"),
	}
}

// Dial connects to target. An empty HostKey accepts any host key with a
// warning, unless host keys are required.
func (r *SSHRemote) Dial(ctx context.Context, target types.Target) (types.Session, error) {
	signer, err := ssh.ParsePrivateKey(target.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if target.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(target.HostKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	} else {
		if r.requireHostKey {
			return nil, fmt.Errorf("%w for %s", ErrHostKeyRequired, target.Host)
		}
		r.logger.Warn("Host key not verified", "host", target.Host, "user", target.User)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.dialTimeout,
	}

	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *ssh.Client
}

// Run executes command and returns its exit status. Cancelling ctx kills
// the remote command.
func (s *sshSession) Run(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return -1, fmt.Errorf("failed to start remote command: %w", err)
	}
	return wait(ctx, session)
}

// Upload copies a file with the SCP sink protocol after creating the
// parent directory.
func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string) error {
	var stderr bytes.Buffer
	dir := path.Dir(remotePath)
	code, err := s.Run(ctx, "mkdir -p "+shellQuote(dir), io.Discard, &stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("mkdir %s exited with code %d: %s", dir, code, strings.TrimSpace(stderr.String()))
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	var acks bytes.Buffer
	session.Stdout = &acks
	session.Stderr = &stderr

	if err := session.Start("scp -t " + shellQuote(remotePath)); err != nil {
		return fmt.Errorf("failed to start scp: %w", err)
	}

	writeErr := func() error {
		if _, err := fmt.Fprintf(stdin, "C%04o %d %s\n", info.Mode().Perm(), info.Size(), path.Base(remotePath)); err != nil {
			return err
		}
		if _, err := io.Copy(stdin, f); err != nil {
			return err
		}
		if _, err := stdin.Write([]byte{0}); err != nil {
			return err
		}
		return stdin.Close()
	}()

	code, err = wait(ctx, session)
	if err != nil {
		return err
	}
	if msg := scpError(acks.Bytes()); msg != "" {
		return fmt.Errorf("scp to %s failed: %s", remotePath, msg)
	}
	if code != 0 {
		return fmt.Errorf("scp to %s exited with code %d: %s", remotePath, code, strings.TrimSpace(stderr.String()))
	}
	if writeErr != nil {
		return fmt.Errorf("scp to %s failed: %w", remotePath, writeErr)
	}
	return nil
}

func (s *sshSession) Close() error { return s.client.Close() }

func wait(ctx context.Context, session *ssh.Session) (int, error) {
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return -1, ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		if err != nil {
			return -1, fmt.Errorf("remote command failed: %w", err)
		}
		return 0, nil
	}
}

// scpError extracts the message of a warning (1) or fatal (2) reply.
func scpError(acks []byte) string {
	for i, b := range acks {
		if b == 1 || b == 2 {
			msg, _, _ := strings.Cut(string(acks[i+1:]), "\n")
			return msg
		}
	}
	return ""
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ types.Remote = (*SSHRemote)(nil)
