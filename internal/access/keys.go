// Package access loads local credentials and installs them on instances.
package access

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"csdriver/internal/errdefs"

	"golang.org/x/crypto/ssh"
)

// DefaultPublicKeys are tried in order, relative to the home directory,
// when no public key path is configured.
var DefaultPublicKeys = []string{
	".ssh/id_ed25519.pub",
	".ssh/id_ecdsa.pub",
	".ssh/id_rsa.pub",
}

// publicKeyMarkers are the first tokens of an OpenSSH public key line.
var publicKeyMarkers = []string{"ssh-rsa", "ssh-dss", "ssh-ed25519", "ecdsa-sha2-", "sk-"}

// LoadPrivateKey reads and parses a private key. A public key given by
// mistake, or an encrypted key, is a configuration error.
func LoadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errdefs.NewConfigError("access.private_key_path", fmt.Sprintf("%s does not exist", path))
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return ParsePrivateKey(path, data)
}

// ParsePrivateKey is LoadPrivateKey over already-read content.
func ParsePrivateKey(path string, data []byte) (ssh.Signer, error) {
	if isPublicKey(data) {
		return nil, errdefs.NewConfigError("access.private_key_path",
			fmt.Sprintf("%s holds a public key, a private key is required", path))
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errdefs.NewConfigError("access.private_key_path",
				fmt.Sprintf("%s is passphrase protected", path))
		}
		return nil, errdefs.NewConfigError("access.private_key_path",
			fmt.Sprintf("%s is not a valid private key: %v", path, err))
	}
	return signer, nil
}

func isPublicKey(data []byte) bool {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return false
	}
	for _, m := range publicKeyMarkers {
		if strings.HasPrefix(fields[0], m) {
			return true
		}
	}
	return false
}

// KeypairCandidates lists where the private half of a provider keypair is
// looked for, in order.
func KeypairCandidates(keypair, searchDir, home string) []string {
	file := keypair + ".pem"
	var out []string
	if searchDir != "" {
		out = append(out, filepath.Join(searchDir, file))
	}
	out = append(out, file)
	if home != "" {
		out = append(out,
			filepath.Join(home, file),
			filepath.Join(home, ".ssh", file))
	}
	return out
}

// FindKeypairFile returns the first existing candidate for keypair.
func FindKeypairFile(keypair, searchDir, home string) (string, bool) {
	if keypair == "" {
		return "", false
	}
	for _, p := range KeypairCandidates(keypair, searchDir, home) {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, true
		}
	}
	return "", false
}

// PublicKey is an authorized_keys line and where it came from.
type PublicKey struct {
	Path string
	Key  ssh.PublicKey
	Line []byte
}

// FindPublicKey loads the configured public key, or the first default key
// found under home. It returns nil, nil when there is nothing to install.
// A configured path that cannot be used is an error.
func FindPublicKey(configured, home string) (*PublicKey, error) {
	if configured != "" {
		pk, err := loadPublicKey(configured)
		if err != nil {
			return nil, errdefs.NewConfigError("access.public_key_path", err.Error())
		}
		return pk, nil
	}
	if home == "" {
		return nil, nil
	}
	for _, rel := range DefaultPublicKeys {
		pk, err := loadPublicKey(filepath.Join(home, rel))
		if err == nil {
			return pk, nil
		}
	}
	return nil, nil
}

func loadPublicKey(path string) (*PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s is not a public key: %w", path, err)
	}
	line := bytes.TrimSpace(ssh.MarshalAuthorizedKey(key))
	if comment != "" {
		line = append(line, ' ')
		line = append(line, comment...)
	}
	return &PublicKey{Path: path, Key: key, Line: line}, nil
}
