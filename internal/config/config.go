package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"csdriver/internal/errdefs"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "csdriver.yaml"

// hostnameLabel is what the provider accepts as an instance name.
var hostnameLabel = regexp.MustCompile(`^[A-Za-z]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// Config contains application configuration
type Config struct {
	CloudStack CloudStackConfig `yaml:"cloudstack"`
	Instance   InstanceConfig   `yaml:"instance"`
	Network    NetworkConfig    `yaml:"network"`
	Access     AccessConfig     `yaml:"access"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	State      StateConfig      `yaml:"state"`
	Fleet      FleetConfig      `yaml:"fleet"`
	Destroy    DestroyConfig    `yaml:"destroy"`
}

// CloudStackConfig holds API connection parameters
type CloudStackConfig struct {
	APIURL               string `yaml:"api_url"`
	APIKey               string `yaml:"api_key"`
	SecretKey            string `yaml:"secret_key"`
	DisableSSLValidation bool   `yaml:"disable_ssl_validation"`
	HTTPRetries          int    `yaml:"http_retries"`
}

// InstanceConfig describes the VM to deploy. Each identifier may be given
// directly or resolved by name at create time.
type InstanceConfig struct {
	Name                string   `yaml:"name"`
	ZoneID              string   `yaml:"zone_id"`
	ZoneName            string   `yaml:"zone_name"`
	TemplateID          string   `yaml:"template_id"`
	TemplateName        string   `yaml:"template_name"`
	ServiceOfferingID   string   `yaml:"service_offering_id"`
	ServiceOfferingName string   `yaml:"service_offering_name"`
	NetworkID           string   `yaml:"network_id"`
	NetworkName         string   `yaml:"network_name"`
	SecurityGroupIDs    []string `yaml:"security_group_ids"`
	SSHKeypairName      string   `yaml:"ssh_keypair_name"`
	DiskSizeGB          int64    `yaml:"disk_size_gb"`
	UserData            string   `yaml:"user_data"`
	// CloudConfigPublicKey generates cloud-config user data authorizing the
	// operator's public key when UserData is empty.
	CloudConfigPublicKey bool   `yaml:"cloud_config_public_key"`
	PostInstallScript    string `yaml:"post_install_script"`
}

// NetworkConfig selects how the instance is reached
type NetworkConfig struct {
	AssociatePublicIP  bool   `yaml:"associate_public_ip"`
	CreateFirewallRule bool   `yaml:"create_firewall_rule"`
	AddressOverride    string `yaml:"address_override"`
}

// AccessConfig holds remote access parameters
type AccessConfig struct {
	Username               string `yaml:"username"`
	Port                   int    `yaml:"port"`
	PrivateKeyPath         string `yaml:"private_key_path"`
	KeypairSearchDirectory string `yaml:"keypair_search_directory"`
	PublicKeyPath          string `yaml:"public_key_path"`
}

// TimeoutsConfig tunes every wait loop
type TimeoutsConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Job              time.Duration `yaml:"job"`
	FirewallAttempts int           `yaml:"firewall_attempts"`
	FirewallInterval time.Duration `yaml:"firewall_interval"`
	Dial             time.Duration `yaml:"dial"`
	ProbeBudget      time.Duration `yaml:"probe_budget"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
}

// StateBackend names an instance record store
type StateBackend string

const (
	StateBackendFile StateBackend = "file"
	StateBackendEtcd StateBackend = "etcd"
)

// StateConfig selects where instance records are kept between commands
type StateConfig struct {
	Backend       StateBackend `yaml:"backend"`
	Directory     string       `yaml:"directory"`
	EtcdEndpoints []string     `yaml:"etcd_endpoints"`
	EtcdPrefix    string       `yaml:"etcd_prefix"`
}

// FleetConfig bounds concurrent lifecycles
type FleetConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// DestroyConfig tunes teardown
type DestroyConfig struct {
	Expunge bool `yaml:"expunge"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		CloudStack: CloudStackConfig{
			HTTPRetries: 3,
		},
		Network: NetworkConfig{
			CreateFirewallRule: true,
		},
		Access: AccessConfig{
			Username: "root",
			Port:     22,
		},
		Timeouts: TimeoutsConfig{
			PollInterval:     10 * time.Second,
			Job:              10 * time.Minute,
			FirewallAttempts: 5,
			FirewallInterval: time.Second,
			Dial:             5 * time.Second,
			ProbeBudget:      10 * time.Minute,
			SettleDelay:      45 * time.Second,
		},
		State: StateConfig{
			Backend:    StateBackendFile,
			Directory:  ".csdriver/state",
			EtcdPrefix: "/csdriver/instances/",
		},
		Fleet: FleetConfig{
			MaxConcurrency: 4,
		},
		Destroy: DestroyConfig{
			Expunge: true,
		},
	}
}

// Load loads configuration from the YAML file named by CONFIG_PATH (or
// DefaultPath), applies environment overrides and validates the result.
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = DefaultPath
	}
	return LoadFile(configPath)
}

// LoadFile is Load with an explicit path. A missing file is not an error;
// defaults and environment variables may be sufficient.
func LoadFile(configPath string) (*Config, error) {
	config := Default()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.expandEnv()

	// Override with environment variables if set
	if v := os.Getenv("CLOUDSTACK_API_URL"); v != "" {
		config.CloudStack.APIURL = v
	}
	if v := os.Getenv("CLOUDSTACK_API_KEY"); v != "" {
		config.CloudStack.APIKey = v
	}
	if v := os.Getenv("CLOUDSTACK_SECRET_KEY"); v != "" {
		config.CloudStack.SecretKey = v
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// expandEnv expands environment variables in string fields
func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.CloudStack.APIURL,
		&c.CloudStack.APIKey,
		&c.CloudStack.SecretKey,
		&c.Instance.Name,
		&c.Instance.ZoneID,
		&c.Instance.ZoneName,
		&c.Instance.TemplateID,
		&c.Instance.TemplateName,
		&c.Instance.ServiceOfferingID,
		&c.Instance.ServiceOfferingName,
		&c.Instance.NetworkID,
		&c.Instance.NetworkName,
		&c.Instance.SSHKeypairName,
		&c.Network.AddressOverride,
		&c.Access.Username,
		&c.Access.PrivateKeyPath,
		&c.Access.KeypairSearchDirectory,
		&c.Access.PublicKeyPath,
		&c.State.Directory,
	} {
		*s = os.ExpandEnv(*s)
	}
	for i, id := range c.Instance.SecurityGroupIDs {
		c.Instance.SecurityGroupIDs[i] = os.ExpandEnv(id)
	}
	for i, ep := range c.State.EtcdEndpoints {
		c.State.EtcdEndpoints[i] = os.ExpandEnv(ep)
	}
}

// Validate checks every option once, before the orchestrator starts.
func (c *Config) Validate() error {
	if c.CloudStack.APIURL == "" {
		return errdefs.NewConfigError("cloudstack.api_url", "required (or set CLOUDSTACK_API_URL)")
	}
	u, err := url.Parse(c.CloudStack.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errdefs.NewConfigError("cloudstack.api_url", "must be an absolute URL")
	}
	if c.CloudStack.APIKey == "" {
		return errdefs.NewConfigError("cloudstack.api_key", "required (or set CLOUDSTACK_API_KEY)")
	}
	if c.CloudStack.SecretKey == "" {
		return errdefs.NewConfigError("cloudstack.secret_key", "required (or set CLOUDSTACK_SECRET_KEY)")
	}
	if c.CloudStack.HTTPRetries < 0 {
		return errdefs.NewConfigError("cloudstack.http_retries", "must not be negative")
	}

	if c.Instance.ZoneID == "" && c.Instance.ZoneName == "" {
		return errdefs.NewConfigError("instance.zone_id", "zone_id or zone_name is required")
	}
	if c.Instance.TemplateID == "" && c.Instance.TemplateName == "" {
		return errdefs.NewConfigError("instance.template_id", "template_id or template_name is required")
	}
	if c.Instance.ServiceOfferingID == "" && c.Instance.ServiceOfferingName == "" {
		return errdefs.NewConfigError("instance.service_offering_id", "service_offering_id or service_offering_name is required")
	}
	if c.Instance.DiskSizeGB < 0 {
		return errdefs.NewConfigError("instance.disk_size_gb", "must not be negative")
	}
	if c.Instance.Name != "" && !hostnameLabel.MatchString(c.Instance.Name) {
		return errdefs.NewConfigError("instance.name", "must be a hostname: at most 63 letters, digits or hyphens, starting with a letter")
	}

	if c.Access.Username == "" {
		return errdefs.NewConfigError("access.username", "required")
	}
	if c.Access.Port <= 0 || c.Access.Port > 65535 {
		return errdefs.NewConfigError("access.port", "must be between 1 and 65535")
	}

	t := c.Timeouts
	switch {
	case t.PollInterval <= 0:
		return errdefs.NewConfigError("timeouts.poll_interval", "must be positive")
	case t.Job <= 0:
		return errdefs.NewConfigError("timeouts.job", "must be positive")
	case t.FirewallAttempts <= 0:
		return errdefs.NewConfigError("timeouts.firewall_attempts", "must be positive")
	case t.FirewallInterval <= 0:
		return errdefs.NewConfigError("timeouts.firewall_interval", "must be positive")
	case t.Dial <= 0:
		return errdefs.NewConfigError("timeouts.dial", "must be positive")
	case t.ProbeBudget <= 0:
		return errdefs.NewConfigError("timeouts.probe_budget", "must be positive")
	case t.SettleDelay < 0:
		return errdefs.NewConfigError("timeouts.settle_delay", "must not be negative")
	}

	switch c.State.Backend {
	case StateBackendFile:
		if c.State.Directory == "" {
			return errdefs.NewConfigError("state.directory", "required for the file backend")
		}
	case StateBackendEtcd:
		if len(c.State.EtcdEndpoints) == 0 {
			return errdefs.NewConfigError("state.etcd_endpoints", "required for the etcd backend")
		}
	default:
		return errdefs.NewConfigError("state.backend", fmt.Sprintf("unsupported backend %q", c.State.Backend))
	}

	if c.Fleet.MaxConcurrency <= 0 {
		return errdefs.NewConfigError("fleet.max_concurrency", "must be positive")
	}

	return nil
}
