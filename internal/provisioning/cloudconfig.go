package provisioning

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const cloudConfigHeader = "#cloud-config\n"

type cloudConfigUser struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

type cloudConfigFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

type cloudConfig struct {
	Users      []any             `yaml:"users"`
	WriteFiles []cloudConfigFile `yaml:"write_files,omitempty"`
}

// GenerateCloudConfig renders cloud-config user data that authorizes
// publicKey for username. The image's default user is kept so template
// passwords keep working.
func GenerateCloudConfig(username, publicKey string) (string, error) {
	if username == "" {
		return "", fmt.Errorf("cloud-config requires a username")
	}
	if publicKey == "" {
		return "", fmt.Errorf("cloud-config requires a public key")
	}

	cfg := cloudConfig{Users: []any{"default"}}
	if username == "root" {
		// cloud-init does not manage root as a regular user
		cfg.WriteFiles = []cloudConfigFile{{
			Path:        "/root/.ssh/authorized_keys",
			Permissions: "0600",
			Content:     publicKey + "\n",
		}}
	} else {
		cfg.Users = append(cfg.Users, cloudConfigUser{
			Name:              username,
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			SSHAuthorizedKeys: []string{publicKey},
		})
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render cloud-config: %w", err)
	}
	return cloudConfigHeader + string(out), nil
}
