package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"csdriver/internal/logging"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const defaultTimeout = 10 * time.Second

// SSHConnector dials instances with x/crypto/ssh. Host keys are not
// verified; instances are fresh and their keys unknown.
type SSHConnector struct {
	Timeout time.Duration
}

// Connect dials the target and authenticates. Transport failures wrap
// ErrDial and keep the underlying net error; credential rejection wraps
// ErrAuth; anything else during the handshake wraps ErrHandshake.
func (c SSHConnector) Connect(ctx context.Context, target Target) (Session, error) {
	if !target.HasCredentials() {
		return nil, ErrNoCredentials
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDial, err)
	}

	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            target.authMethods(),
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	// Bound the handshake; cleared once the client is up.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %w", ErrAuth, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logging.Logger().Info("SSH connection established",
		zap.String("user", target.User),
		zap.String("host", target.Host),
		zap.String("instance_name", target.InstanceName))

	client := ssh.NewClient(sshConn, chans, reqs)
	return &SSHSession{
		client:       client,
		host:         target.Host,
		instanceName: target.InstanceName,
		newSFTP: func() (*sftp.Client, error) {
			return sftp.NewClient(client)
		},
	}, nil
}

// SSHSession implements Session over an ssh.Client. The SFTP subsystem is
// started on first file operation.
type SSHSession struct {
	client       *ssh.Client
	host         string
	instanceName string

	mu      sync.Mutex
	sftp    *sftp.Client
	newSFTP func() (*sftp.Client, error)
}

// escapeNewlines escapes newline characters for proper log formatting
func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\\n")
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, io.EOF) {
		logging.Logger().Warn("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// Close closes the SFTP and SSH connections
func (s *SSHSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		safeClose("SFTP client", s.sftp.Close)
		s.sftp = nil
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Run executes a command on the remote host. The session is closed if ctx
// ends first.
func (s *SSHSession) Run(ctx context.Context, command string) (string, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName))

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case err = <-done:
	}

	logging.Logger().Info("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", s.host),
		zap.String("instance_name", s.instanceName),
		zap.String("stdout", escapeNewlines(logging.Truncate(stdout.String()))),
		zap.String("stderr", escapeNewlines(logging.Truncate(stderr.String()))),
		zap.Bool("success", err == nil))

	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %w: %s", ErrCommand, err, logging.Truncate(stderr.String()))
	}
	return stdout.String(), nil
}

func (s *SSHSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := s.newSFTP()
	if err != nil {
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	s.sftp = c
	return c, nil
}

// ReadFile reads a remote file
func (s *SSHSession) ReadFile(remotePath string) ([]byte, error) {
	c, err := s.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", f.Close)

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote file %s: %w", remotePath, err)
	}
	return data, nil
}

// AppendFile writes data at the end of a remote file. The offset is taken
// from a stat rather than O_APPEND, which not every server honours.
func (s *SSHSession) AppendFile(remotePath string, data []byte, mode os.FileMode) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}

	var offset int64
	created := false
	if info, err := c.Stat(remotePath); err == nil {
		offset = info.Size()
	} else if errors.Is(err, os.ErrNotExist) {
		created = true
	} else {
		return fmt.Errorf("failed to stat remote file %s: %w", remotePath, err)
	}

	f, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", remotePath, err)
	}
	defer safeClose("remote file", f.Close)

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek remote file %s: %w", remotePath, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}

	if created {
		s.chmodBestEffort(c, remotePath, mode)
	}

	logging.Logger().Debug("Appended to remote file",
		zap.String("path", remotePath),
		zap.Int("bytes", len(data)),
		zap.String("host", s.host))
	return nil
}

// MkdirAll creates a remote directory and its parents
func (s *SSHSession) MkdirAll(remotePath string, mode os.FileMode) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	if err := c.MkdirAll(path.Clean(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", remotePath, err)
	}
	s.chmodBestEffort(c, remotePath, mode)
	return nil
}

// chmodBestEffort logs instead of failing; chrooted servers often refuse
// setstat on paths they let us create.
func (s *SSHSession) chmodBestEffort(c *sftp.Client, remotePath string, mode os.FileMode) {
	if err := c.Chmod(remotePath, mode); err != nil {
		logging.Logger().Warn("failed to set remote file mode",
			zap.String("path", remotePath),
			zap.String("host", s.host),
			zap.Error(err))
	}
}

// Chmod changes a remote file mode
func (s *SSHSession) Chmod(remotePath string, mode os.FileMode) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	if err := c.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remotePath, err)
	}
	return nil
}
