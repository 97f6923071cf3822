package provisioning

import (
	"context"
	"fmt"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/logging"

	"go.uber.org/zap"
)

// NetworkAPI is the part of the cloud API the resolver needs.
type NetworkAPI interface {
	GetNetwork(ctx context.Context, id string) (*cloudstack.Network, error)
	AssociateIPAddress(ctx context.Context, p cloudstack.AssociateIPParams) (*cloudstack.AsyncResponse, error)
	CreateFirewallRule(ctx context.Context, p cloudstack.FirewallRuleParams) (*cloudstack.AsyncResponse, error)
	CreatePortForwardingRule(ctx context.Context, p cloudstack.PortForwardingParams) (*cloudstack.AsyncResponse, error)
}

// Resolution is the reachable address and every network resource created
// to provide it.
type Resolution struct {
	Address          string
	PublicIPID       string
	FirewallRuleID   string
	ForwardingRuleID string
}

// ResolverOptions bounds the resolver's waits.
type ResolverOptions struct {
	JobTimeout       time.Duration
	FirewallAttempts int
	FirewallInterval time.Duration
}

// Resolver decides how an instance is reached.
type Resolver struct {
	api    NetworkAPI
	poller *Poller
	opts   ResolverOptions
}

// NewResolver creates a Resolver.
func NewResolver(api NetworkAPI, poller *Poller, opts ResolverOptions) *Resolver {
	return &Resolver{api: api, poller: poller, opts: opts}
}

// Resolve returns the address to reach vm at. In direct mode that is the
// configured override or the instance's NIC address. With
// AssociatePublicIP it acquires a floating address and forwards the access
// port to the instance. The returned Resolution carries every id created so
// far even when an error is returned.
func (r *Resolver) Resolve(ctx context.Context, vm *cloudstack.VirtualMachine, req Request) (Resolution, error) {
	if !req.AssociatePublicIP {
		return r.direct(vm, req)
	}
	return r.floating(ctx, vm, req)
}

func (r *Resolver) direct(vm *cloudstack.VirtualMachine, req Request) (Resolution, error) {
	if req.AddressOverride != "" {
		return Resolution{Address: req.AddressOverride}, nil
	}
	addr := vm.PrimaryAddress()
	if addr == "" {
		return Resolution{}, fmt.Errorf("instance %s has no NIC address", vm.ID)
	}
	return Resolution{Address: addr}, nil
}

func (r *Resolver) floating(ctx context.Context, vm *cloudstack.VirtualMachine, req Request) (Resolution, error) {
	var res Resolution
	log := logging.Logger().With(zap.String("server_id", vm.ID))

	networkID := req.NetworkID
	if networkID == "" {
		networkID = defaultNetworkID(vm)
	}

	var vpcID string
	if networkID != "" {
		network, err := r.api.GetNetwork(ctx, networkID)
		if err != nil {
			return res, fmt.Errorf("failed to look up network %s: %w", networkID, err)
		}
		vpcID = network.VPCID
	}

	assoc, err := r.api.AssociateIPAddress(ctx, cloudstack.AssociateIPParams{
		ZoneID:    req.ZoneID,
		NetworkID: networkID,
		VPCID:     vpcID,
	})
	if err != nil {
		return res, fmt.Errorf("failed to associate public IP: %w", err)
	}
	res.PublicIPID = assoc.ID

	job, err := r.poller.Await(ctx, assoc.JobID, r.opts.JobTimeout)
	if err != nil {
		return res, fmt.Errorf("failed to associate public IP: %w", err)
	}
	ip, err := job.IPAddress()
	if err != nil {
		return res, err
	}
	if res.PublicIPID == "" {
		res.PublicIPID = ip.ID
	}
	log.Info("Public IP associated",
		zap.String("ipaddressid", res.PublicIPID),
		zap.String("ipaddress", ip.IPAddress),
		zap.String("vpc_id", vpcID))

	// VPC tiers are governed by network ACLs, not per-address firewall rules.
	if req.CreateFirewallRule && vpcID == "" {
		fw, err := r.api.CreateFirewallRule(ctx, cloudstack.FirewallRuleParams{
			IPAddressID: res.PublicIPID,
			Protocol:    "tcp",
			StartPort:   req.Port,
			EndPort:     req.Port,
			CIDRs:       []string{"0.0.0.0/0"},
		})
		if err != nil {
			return res, fmt.Errorf("failed to create firewall rule: %w", err)
		}
		res.FirewallRuleID = fw.ID

		if _, err := r.poller.AwaitAttempts(ctx, fw.JobID, r.opts.FirewallAttempts, r.opts.FirewallInterval); err != nil {
			return res, fmt.Errorf("failed to create firewall rule: %w", err)
		}
		log.Info("Firewall rule created",
			zap.String("firewall_rule_id", res.FirewallRuleID),
			zap.Int("port", req.Port))
	}

	pf, err := r.api.CreatePortForwardingRule(ctx, cloudstack.PortForwardingParams{
		IPAddressID:      res.PublicIPID,
		VirtualMachineID: vm.ID,
		Protocol:         "tcp",
		PublicPort:       req.Port,
		PrivatePort:      req.Port,
		NetworkID:        networkIDForVPC(vpcID, networkID),
	})
	if err != nil {
		return res, fmt.Errorf("failed to create port forwarding rule: %w", err)
	}
	res.ForwardingRuleID = pf.ID

	if _, err := r.poller.Await(ctx, pf.JobID, r.opts.JobTimeout); err != nil {
		return res, fmt.Errorf("failed to create port forwarding rule: %w", err)
	}
	log.Info("Port forwarding rule created",
		zap.String("forwardingruleid", res.ForwardingRuleID),
		zap.Int("port", req.Port))

	res.Address = ip.IPAddress
	return res, nil
}

func defaultNetworkID(vm *cloudstack.VirtualMachine) string {
	for _, nic := range vm.NICs {
		if nic.IsDefault {
			return nic.NetworkID
		}
	}
	if len(vm.NICs) > 0 {
		return vm.NICs[0].NetworkID
	}
	return ""
}

// networkIDForVPC returns the tier id; forwarding on a VPC address needs it.
func networkIDForVPC(vpcID, networkID string) string {
	if vpcID == "" {
		return ""
	}
	return networkID
}
