// Package remote runs commands and edits files on an instance over SSH.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
)

var (
	ErrDial          = fmt.Errorf("failed to establish ssh connection")
	ErrHandshake     = fmt.Errorf("ssh handshake failed")
	ErrAuth          = fmt.Errorf("ssh authentication failed")
	ErrNoCredentials = fmt.Errorf("no ssh credentials available")
	ErrCommand       = fmt.Errorf("remote command failed")
)

// Target identifies a reachable instance and how to log in to it.
type Target struct {
	Host         string
	Port         int
	User         string
	Password     string
	Signer       ssh.Signer
	InstanceName string
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// HasCredentials reports whether a session-level login can be attempted.
func (t Target) HasCredentials() bool {
	return t.Signer != nil || t.Password != ""
}

// authMethods prefers the key and falls back to the password. Some images
// only offer keyboard-interactive, so the password is offered both ways.
func (t Target) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if t.Signer != nil {
		methods = append(methods, ssh.PublicKeys(t.Signer))
	}
	if t.Password != "" {
		password := t.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	return methods
}

// Session is an authenticated connection to one instance.
type Session interface {
	// Run executes command and returns its standard output.
	Run(ctx context.Context, command string) (string, error)
	// ReadFile returns the content of a remote file.
	ReadFile(path string) ([]byte, error)
	// AppendFile appends data to a remote file, creating it with mode.
	AppendFile(path string, data []byte, mode os.FileMode) error
	MkdirAll(path string, mode os.FileMode) error
	Chmod(path string, mode os.FileMode) error
	Close() error
}

// Connector opens sessions.
type Connector interface {
	Connect(ctx context.Context, target Target) (Session, error)
}
