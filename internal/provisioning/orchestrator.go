package provisioning

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/config"
	"csdriver/internal/errdefs"
	"csdriver/internal/logging"
	"csdriver/internal/remote"
	"csdriver/internal/state"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Settings is the resolved configuration of a Driver.
type Settings struct {
	Instance config.InstanceConfig
	Network  config.NetworkConfig

	Username string
	Port     int
	// Signer logs in with a key; nil falls back to the template password.
	Signer ssh.Signer
	// PublicKey is the authorized_keys line offered through cloud-config.
	PublicKey string

	JobTimeout  time.Duration
	ProbeBudget time.Duration
	Expunge     bool

	// Login and Hostname feed default instance names.
	Login    string
	Hostname string
}

// Driver creates and destroys instances, checkpointing every created
// resource id in the store as soon as it is known.
type Driver struct {
	api      CloudAPI
	store    state.Store
	poller   *Poller
	resolver *Resolver
	prober   Prober
	access   AccessInstaller
	settings Settings
}

// NewDriverWith assembles a Driver from its parts.
func NewDriverWith(api CloudAPI, store state.Store, poller *Poller, resolver *Resolver, prober Prober, access AccessInstaller, settings Settings) *Driver {
	return &Driver{
		api:      api,
		store:    store,
		poller:   poller,
		resolver: resolver,
		prober:   prober,
		access:   access,
		settings: settings,
	}
}

// Create provisions the instance known to the host as instanceName and
// returns its record. An instance already recorded is returned as is,
// without any API call. On failure the record keeps every id created so
// far, so Destroy can clean up; nothing is rolled back here.
func (d *Driver) Create(ctx context.Context, instanceName string) (*state.InstanceRecord, error) {
	rec, err := d.store.Load(ctx, instanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for %s: %w", instanceName, err)
	}
	log := logging.Logger().With(zap.String("instance_name", instanceName))

	if rec.ServerID != "" {
		log.Info("Instance already created", zap.String("server_id", rec.ServerID))
		return rec, nil
	}

	phase := PhaseUnstarted
	fail := func(err error) (*state.InstanceRecord, error) {
		log.Error("Instance creation failed",
			zap.String("phase", phase.String()),
			zap.String("server_id", rec.ServerID),
			zap.Error(err))
		return rec, &PhaseError{Instance: instanceName, Phase: phase, Err: err}
	}

	req, err := d.buildRequest(ctx, instanceName)
	if err != nil {
		return fail(err)
	}

	phase = PhaseJobSubmitted
	deploy, err := d.api.DeployVirtualMachine(ctx, req.deployParams())
	if err != nil {
		return fail(fmt.Errorf("failed to deploy instance: %w", err))
	}
	rec.ServerID = deploy.ID
	if err := d.checkpoint(ctx, instanceName, rec); err != nil {
		return fail(err)
	}
	log.Info("Instance deploy submitted",
		zap.String("display_name", req.DisplayName),
		zap.String("server_id", deploy.ID),
		zap.String("job_id", deploy.JobID))

	phase = PhaseAwaitingJob
	job, err := d.poller.Await(ctx, deploy.JobID, d.settings.JobTimeout)
	if err != nil {
		return fail(fmt.Errorf("failed to create instance: %w", err))
	}
	vm, err := job.VirtualMachine()
	if err != nil {
		return fail(err)
	}
	if vm.ID != "" {
		rec.ServerID = vm.ID
	}
	if vm.PasswordEnabled && vm.Password != "" {
		rec.Password = vm.Password
	}
	if err := d.checkpoint(ctx, instanceName, rec); err != nil {
		return fail(err)
	}

	phase = PhaseNetworkResolving
	res, resolveErr := d.resolver.Resolve(ctx, vm, req)
	rec.IPAddressID = res.PublicIPID
	rec.FirewallRuleID = res.FirewallRuleID
	rec.ForwardingRuleID = res.ForwardingRuleID
	rec.Hostname = res.Address
	if err := d.checkpoint(ctx, instanceName, rec); err != nil {
		return fail(errors.Join(resolveErr, err))
	}
	if resolveErr != nil {
		return fail(resolveErr)
	}
	log.Info("Instance address resolved",
		zap.String("server_id", rec.ServerID),
		zap.String("hostname", rec.Hostname))

	target := remote.Target{
		Host:         rec.Hostname,
		Port:         d.settings.Port,
		User:         d.settings.Username,
		Password:     rec.Password,
		Signer:       d.settings.Signer,
		InstanceName: instanceName,
	}

	phase = PhaseProbing
	if err := d.prober.WaitUntilReachable(ctx, target, d.settings.ProbeBudget); err != nil {
		return fail(err)
	}

	phase = PhaseCredentialDeploying
	if target.HasCredentials() {
		if err := d.access.InstallAccess(ctx, target); err != nil {
			return fail(err)
		}
	} else {
		log.Warn("No keypair file found and the template is not password enabled; copy a public key to the instance manually",
			zap.String("hostname", rec.Hostname))
	}

	phase = PhaseReady
	log.Info("Instance ready",
		zap.String("server_id", rec.ServerID),
		zap.String("hostname", rec.Hostname),
		zap.String("user", d.settings.Username))
	return rec, nil
}

func (d *Driver) checkpoint(ctx context.Context, instanceName string, rec *state.InstanceRecord) error {
	if err := d.store.Save(ctx, instanceName, rec); err != nil {
		return fmt.Errorf("failed to save state for %s: %w", instanceName, err)
	}
	return nil
}

// buildRequest resolves every identifier, looking names up when no id is
// configured.
func (d *Driver) buildRequest(ctx context.Context, instanceName string) (Request, error) {
	ic := d.settings.Instance

	// The provider derives the hostname from the instance id unless a name
	// is configured; generated names are display names only.
	displayName := ic.Name
	if displayName == "" {
		displayName = GenerateName(instanceName, d.settings.Login, d.settings.Hostname)
	}

	zoneID, err := resolveID(ctx, "instance.zone_name", ic.ZoneID, ic.ZoneName, func(ctx context.Context, n string) ([]cloudstack.Resource, error) {
		return d.api.ListZones(ctx, n)
	})
	if err != nil {
		return Request{}, err
	}
	templateID, err := resolveID(ctx, "instance.template_name", ic.TemplateID, ic.TemplateName, func(ctx context.Context, n string) ([]cloudstack.Resource, error) {
		return d.api.ListTemplates(ctx, zoneID, n)
	})
	if err != nil {
		return Request{}, err
	}
	offeringID, err := resolveID(ctx, "instance.service_offering_name", ic.ServiceOfferingID, ic.ServiceOfferingName, d.api.ListServiceOfferings)
	if err != nil {
		return Request{}, err
	}

	var networkID string
	if ic.NetworkID != "" || ic.NetworkName != "" {
		networkID, err = resolveID(ctx, "instance.network_name", ic.NetworkID, ic.NetworkName, func(ctx context.Context, n string) ([]cloudstack.Resource, error) {
			return d.api.ListNetworks(ctx, zoneID, n)
		})
		if err != nil {
			return Request{}, err
		}
	}

	userData := ic.UserData
	if userData == "" && ic.CloudConfigPublicKey && d.settings.PublicKey != "" {
		userData, err = GenerateCloudConfig(d.settings.Username, d.settings.PublicKey)
		if err != nil {
			return Request{}, err
		}
	}

	return Request{
		Name:               ic.Name,
		DisplayName:        displayName,
		TemplateID:         templateID,
		ServiceOfferingID:  offeringID,
		ZoneID:             zoneID,
		NetworkID:          networkID,
		KeypairName:        ic.SSHKeypairName,
		DiskSizeGB:         ic.DiskSizeGB,
		UserData:           userData,
		SecurityGroupIDs:   ic.SecurityGroupIDs,
		AssociatePublicIP:  d.settings.Network.AssociatePublicIP,
		CreateFirewallRule: d.settings.Network.CreateFirewallRule,
		Port:               d.settings.Port,
		AddressOverride:    d.settings.Network.AddressOverride,
	}, nil
}

func resolveID(ctx context.Context, field, id, name string, list func(context.Context, string) ([]cloudstack.Resource, error)) (string, error) {
	if id != "" {
		return id, nil
	}
	if name == "" {
		return "", errdefs.NewConfigError(field, "neither an id nor a name is configured")
	}
	found, err := list(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up %q: %w", name, err)
	}
	if len(found) == 0 {
		return "", errdefs.NewConfigError(field, fmt.Sprintf("nothing named %q was found", name))
	}
	return found[0].ID, nil
}

// teardownStep releases one recorded resource.
type teardownStep struct {
	what    string
	id      *string
	release func(ctx context.Context, id string) (*cloudstack.AsyncResponse, error)
}

// Destroy releases everything the record tracks in reverse creation order:
// forwarding rule, firewall rule, public IP, instance. A resource that is
// already gone counts as released. A failed step is logged and the rest
// still run; released ids are cleared while server_id and the unreleased
// ids are kept so that a later Destroy can finish. Without a server id this
// is a no-op.
func (d *Driver) Destroy(ctx context.Context, instanceName string) error {
	rec, err := d.store.Load(ctx, instanceName)
	if err != nil {
		return fmt.Errorf("failed to load state for %s: %w", instanceName, err)
	}
	if rec.ServerID == "" {
		return nil
	}
	log := logging.Logger().With(zap.String("instance_name", instanceName))

	// Creation order; released back to front.
	steps := []teardownStep{
		{"destroy instance", &rec.ServerID, func(ctx context.Context, id string) (*cloudstack.AsyncResponse, error) {
			return d.api.DestroyVirtualMachine(ctx, id, d.settings.Expunge)
		}},
		{"release public IP", &rec.IPAddressID, d.api.DisassociateIPAddress},
		{"delete firewall rule", &rec.FirewallRuleID, d.api.DeleteFirewallRule},
		{"delete port forwarding rule", &rec.ForwardingRuleID, d.api.DeletePortForwardingRule},
	}

	var errs []error
	for _, step := range slices.Backward(steps) {
		if *step.id == "" {
			continue
		}
		id := *step.id
		if err := d.release(ctx, step, id); err != nil {
			log.Error("Teardown step failed",
				zap.String("step", step.what),
				zap.String("id", id),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("failed to %s %s: %w", step.what, id, err))
			continue
		}
		log.Info("Teardown step done", zap.String("step", step.what), zap.String("id", id))
		if step.id == &rec.ServerID {
			// server_id marks the record as live; it goes with the last id.
			continue
		}
		*step.id = ""
		if err := d.checkpoint(ctx, instanceName, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		rec.Clear()
		if err := d.checkpoint(ctx, instanceName, rec); err != nil {
			return err
		}
		log.Info("Instance destroyed")
		return nil
	}
	return errors.Join(errs...)
}

func (d *Driver) release(ctx context.Context, step teardownStep, id string) error {
	resp, err := step.release(ctx, id)
	if err == nil && resp != nil && resp.JobID != "" {
		_, err = d.poller.Await(ctx, resp.JobID, d.settings.JobTimeout)
	}
	if err != nil && cloudstack.IsNotFound(err) {
		return nil
	}
	return err
}

// Status returns the stored record for instanceName.
func (d *Driver) Status(ctx context.Context, instanceName string) (*state.InstanceRecord, error) {
	return d.store.Load(ctx, instanceName)
}
