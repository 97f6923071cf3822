package provisioning

import (
	"context"
	"fmt"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/remote"
)

// Request is a fully resolved instance creation request. It is passed by
// value and not modified once submitted. Name becomes the hostname and is
// only set when configured; DisplayName is always set.
type Request struct {
	Name               string
	DisplayName        string
	TemplateID         string
	ServiceOfferingID  string
	ZoneID             string
	NetworkID          string
	KeypairName        string
	DiskSizeGB         int64
	UserData           string
	SecurityGroupIDs   []string
	AssociatePublicIP  bool
	CreateFirewallRule bool
	Port               int
	AddressOverride    string
}

func (r Request) deployParams() cloudstack.DeployParams {
	p := cloudstack.DeployParams{
		Name:              r.Name,
		DisplayName:       r.DisplayName,
		ZoneID:            r.ZoneID,
		TemplateID:        r.TemplateID,
		ServiceOfferingID: r.ServiceOfferingID,
		SecurityGroupIDs:  r.SecurityGroupIDs,
		KeypairName:       r.KeypairName,
		DiskSizeGB:        r.DiskSizeGB,
		UserData:          r.UserData,
	}
	if r.NetworkID != "" {
		p.NetworkIDs = []string{r.NetworkID}
	}
	return p
}

// CloudAPI is the compute API surface the driver uses. *cloudstack.Client
// implements it.
type CloudAPI interface {
	JobQuerier
	NetworkAPI

	DeployVirtualMachine(ctx context.Context, p cloudstack.DeployParams) (*cloudstack.AsyncResponse, error)
	DestroyVirtualMachine(ctx context.Context, id string, expunge bool) (*cloudstack.AsyncResponse, error)
	DisassociateIPAddress(ctx context.Context, id string) (*cloudstack.AsyncResponse, error)
	DeleteFirewallRule(ctx context.Context, id string) (*cloudstack.AsyncResponse, error)
	DeletePortForwardingRule(ctx context.Context, id string) (*cloudstack.AsyncResponse, error)

	ListZones(ctx context.Context, name string) ([]cloudstack.Resource, error)
	ListTemplates(ctx context.Context, zoneID, name string) ([]cloudstack.Resource, error)
	ListServiceOfferings(ctx context.Context, name string) ([]cloudstack.Resource, error)
	ListNetworks(ctx context.Context, zoneID, name string) ([]cloudstack.Resource, error)
}

var _ CloudAPI = (*cloudstack.Client)(nil)

// Prober proves an instance is reachable.
type Prober interface {
	WaitUntilReachable(ctx context.Context, target remote.Target, budget time.Duration) error
}

// AccessInstaller installs credentials on a reachable instance.
type AccessInstaller interface {
	InstallAccess(ctx context.Context, target remote.Target) error
}

// Phase is a step of the create state machine.
type Phase int

const (
	PhaseUnstarted Phase = iota
	PhaseJobSubmitted
	PhaseAwaitingJob
	PhaseNetworkResolving
	PhaseProbing
	PhaseCredentialDeploying
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnstarted:
		return "unstarted"
	case PhaseJobSubmitted:
		return "job-submitted"
	case PhaseAwaitingJob:
		return "awaiting-job"
	case PhaseNetworkResolving:
		return "network-resolving"
	case PhaseProbing:
		return "probing"
	case PhaseCredentialDeploying:
		return "credential-deploying"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseError records the phase a Create failed in.
type PhaseError struct {
	Instance string
	Phase    Phase
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("create %s failed while %s: %v", e.Instance, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}
