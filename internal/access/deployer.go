package access

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"csdriver/internal/logging"
	"csdriver/internal/remote"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	sshDir         = ".ssh"
	authorizedKeys = ".ssh/authorized_keys"
)

// Deployer installs the operator's public key on an instance and runs an
// optional post-install script.
type Deployer struct {
	connector   remote.Connector
	publicKey   *PublicKey
	postInstall string
}

// NewDeployer creates a Deployer. A nil publicKey skips key installation.
func NewDeployer(connector remote.Connector, publicKey *PublicKey, postInstall string) *Deployer {
	return &Deployer{
		connector:   connector,
		publicKey:   publicKey,
		postInstall: postInstall,
	}
}

// InstallAccess connects to target, appends the public key to
// authorized_keys unless it is already there, and runs the post-install
// script. Running it twice leaves a single copy of the key.
func (d *Deployer) InstallAccess(ctx context.Context, target remote.Target) error {
	if d.publicKey == nil && d.postInstall == "" {
		return nil
	}

	session, err := d.connector.Connect(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to connect for access setup: %w", err)
	}
	defer session.Close()

	log := logging.Logger().With(
		zap.String("instance_name", target.InstanceName),
		zap.String("host", target.Host))

	if d.publicKey != nil {
		if err := d.installKey(session); err != nil {
			return err
		}
		log.Info("Public key authorized",
			zap.String("key", d.publicKey.Path),
			zap.String("fingerprint", ssh.FingerprintSHA256(d.publicKey.Key)))
	}

	if d.postInstall != "" {
		if _, err := session.Run(ctx, d.postInstall); err != nil {
			return fmt.Errorf("post-install script failed: %w", err)
		}
		log.Info("Post-install script completed")
	}
	return nil
}

func (d *Deployer) installKey(session remote.Session) error {
	if err := session.MkdirAll(sshDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", sshDir, err)
	}

	existing, err := session.ReadFile(authorizedKeys)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", authorizedKeys, err)
	}

	if !hasKey(existing, d.publicKey.Key) {
		var line []byte
		if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
			line = append(line, '\n')
		}
		line = append(line, d.publicKey.Line...)
		line = append(line, '\n')
		if err := session.AppendFile(authorizedKeys, line, 0600); err != nil {
			return fmt.Errorf("failed to update %s: %w", authorizedKeys, err)
		}
	}

	if err := session.Chmod(authorizedKeys, 0600); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", authorizedKeys, err)
	}
	return nil
}

// hasKey reports whether authorized_keys content already carries key,
// ignoring options and comments.
func hasKey(content []byte, key ssh.PublicKey) bool {
	want := key.Marshal()
	rest := content
	for len(rest) > 0 {
		k, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if bytes.Equal(k.Marshal(), want) {
			return true
		}
		rest = next
	}
	return false
}
