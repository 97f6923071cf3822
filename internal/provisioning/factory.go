package provisioning

import (
	"fmt"
	"os"
	"os/user"

	"csdriver/internal/access"
	"csdriver/internal/cloudstack"
	"csdriver/internal/config"
	"csdriver/internal/logging"
	"csdriver/internal/probe"
	"csdriver/internal/remote"
	"csdriver/internal/state"
	"csdriver/internal/util/clock"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// NewDriver wires a Driver from validated configuration.
func NewDriver(cfg *config.Config, store state.Store) (*Driver, error) {
	api, err := cloudstack.NewClient(cloudstack.Options{
		APIURL:             cfg.CloudStack.APIURL,
		APIKey:             cfg.CloudStack.APIKey,
		SecretKey:          cfg.CloudStack.SecretKey,
		InsecureSkipVerify: cfg.CloudStack.DisableSSLValidation,
		RetryMax:           cfg.CloudStack.HTTPRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create CloudStack client: %w", err)
	}

	home, _ := os.UserHomeDir()

	signer, err := loadSigner(cfg, home)
	if err != nil {
		return nil, err
	}
	publicKey, err := access.FindPublicKey(cfg.Access.PublicKeyPath, home)
	if err != nil {
		return nil, err
	}
	var publicKeyLine string
	if publicKey != nil {
		publicKeyLine = string(publicKey.Line)
	}

	clk := clock.Real{}
	connector := remote.SSHConnector{Timeout: cfg.Timeouts.Dial}
	poller := NewPoller(api, cfg.Timeouts.PollInterval, clk)
	resolver := NewResolver(api, poller, ResolverOptions{
		JobTimeout:       cfg.Timeouts.Job,
		FirewallAttempts: cfg.Timeouts.FirewallAttempts,
		FirewallInterval: cfg.Timeouts.FirewallInterval,
	})
	prober := probe.New(connector, probe.Options{
		DialTimeout: cfg.Timeouts.Dial,
		SettleDelay: cfg.Timeouts.SettleDelay,
		Clock:       clk,
	})
	deployer := access.NewDeployer(connector, publicKey, cfg.Instance.PostInstallScript)

	hostname, _ := os.Hostname()

	return NewDriverWith(api, store, poller, resolver, prober, deployer, Settings{
		Instance:    cfg.Instance,
		Network:     cfg.Network,
		Username:    cfg.Access.Username,
		Port:        cfg.Access.Port,
		Signer:      signer,
		PublicKey:   publicKeyLine,
		JobTimeout:  cfg.Timeouts.Job,
		ProbeBudget: cfg.Timeouts.ProbeBudget,
		Expunge:     cfg.Destroy.Expunge,
		Login:       currentLogin(),
		Hostname:    hostname,
	}), nil
}

// loadSigner returns the configured private key or the keypair file found
// on disk. No key at all is fine; the template password is used instead.
func loadSigner(cfg *config.Config, home string) (ssh.Signer, error) {
	if cfg.Access.PrivateKeyPath != "" {
		return access.LoadPrivateKey(cfg.Access.PrivateKeyPath)
	}
	keypair := cfg.Instance.SSHKeypairName
	if keypair == "" {
		return nil, nil
	}
	path, ok := access.FindKeypairFile(keypair, cfg.Access.KeypairSearchDirectory, home)
	if !ok {
		logging.Logger().Info("No keypair file found, falling back to password authentication",
			zap.String("keypair", keypair),
			zap.Strings("searched", access.KeypairCandidates(keypair, cfg.Access.KeypairSearchDirectory, home)))
		return nil, nil
	}
	logging.Logger().Debug("Using keypair file", zap.String("path", path))
	return access.LoadPrivateKey(path)
}

func currentLogin() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
