package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"csdriver/internal/cloudstack"
	"csdriver/internal/remote"
)

// fakeCloud is an in-memory CloudAPI. Every method call is recorded by name;
// errs injects a failure per method name; jobs replays queued snapshots per
// job id, repeating the last one.
type fakeCloud struct {
	mu sync.Mutex

	calls []string
	errs  map[string]error
	jobs  map[string][]*cloudstack.AsyncJob
	polls map[string]int

	zones     map[string][]cloudstack.Resource
	templates map[string][]cloudstack.Resource
	offerings map[string][]cloudstack.Resource
	networks  map[string][]cloudstack.Resource
	network   map[string]*cloudstack.Network

	deployed      []cloudstack.DeployParams
	destroyed     []string
	associated    []cloudstack.AssociateIPParams
	firewalls     []cloudstack.FirewallRuleParams
	forwardings   []cloudstack.PortForwardingParams
	nextResponses map[string]*cloudstack.AsyncResponse
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		errs:          map[string]error{},
		jobs:          map[string][]*cloudstack.AsyncJob{},
		polls:         map[string]int{},
		zones:         map[string][]cloudstack.Resource{},
		templates:     map[string][]cloudstack.Resource{},
		offerings:     map[string][]cloudstack.Resource{},
		networks:      map[string][]cloudstack.Resource{},
		network:       map[string]*cloudstack.Network{},
		nextResponses: map[string]*cloudstack.AsyncResponse{},
	}
}

func (f *fakeCloud) record(method string) error {
	f.calls = append(f.calls, method)
	return f.errs[method]
}

func (f *fakeCloud) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// respond returns the configured async response for method, or a generic
// one whose job succeeds immediately.
func (f *fakeCloud) respond(method string) *cloudstack.AsyncResponse {
	if resp, ok := f.nextResponses[method]; ok {
		return resp
	}
	jobID := "job-" + method
	if _, ok := f.jobs[jobID]; !ok {
		f.jobs[jobID] = []*cloudstack.AsyncJob{succeeded(jobID, "", nil)}
	}
	return &cloudstack.AsyncResponse{ID: method + "-id", JobID: jobID}
}

func (f *fakeCloud) QueryAsyncJobResult(_ context.Context, jobID string) (*cloudstack.AsyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("queryAsyncJobResult"); err != nil {
		return nil, err
	}
	queue, ok := f.jobs[jobID]
	if !ok || len(queue) == 0 {
		return nil, &cloudstack.APIError{Command: "queryAsyncJobResult", Code: 530, Text: "unknown job " + jobID}
	}
	n := f.polls[jobID]
	f.polls[jobID] = n + 1
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n], nil
}

func (f *fakeCloud) DeployVirtualMachine(_ context.Context, p cloudstack.DeployParams) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("deployVirtualMachine"); err != nil {
		return nil, err
	}
	f.deployed = append(f.deployed, p)
	return f.respond("deployVirtualMachine"), nil
}

func (f *fakeCloud) DestroyVirtualMachine(_ context.Context, id string, expunge bool) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("destroyVirtualMachine"); err != nil {
		return nil, err
	}
	f.destroyed = append(f.destroyed, fmt.Sprintf("%s expunge=%t", id, expunge))
	return f.respond("destroyVirtualMachine"), nil
}

func (f *fakeCloud) DisassociateIPAddress(_ context.Context, _ string) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("disassociateIpAddress"); err != nil {
		return nil, err
	}
	return f.respond("disassociateIpAddress"), nil
}

func (f *fakeCloud) DeleteFirewallRule(_ context.Context, _ string) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("deleteFirewallRule"); err != nil {
		return nil, err
	}
	return f.respond("deleteFirewallRule"), nil
}

func (f *fakeCloud) DeletePortForwardingRule(_ context.Context, _ string) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("deletePortForwardingRule"); err != nil {
		return nil, err
	}
	return f.respond("deletePortForwardingRule"), nil
}

func (f *fakeCloud) GetNetwork(_ context.Context, id string) (*cloudstack.Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listNetworks"); err != nil {
		return nil, err
	}
	if n, ok := f.network[id]; ok {
		return n, nil
	}
	return &cloudstack.Network{ID: id}, nil
}

func (f *fakeCloud) AssociateIPAddress(_ context.Context, p cloudstack.AssociateIPParams) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("associateIpAddress"); err != nil {
		return nil, err
	}
	f.associated = append(f.associated, p)
	return f.respond("associateIpAddress"), nil
}

func (f *fakeCloud) CreateFirewallRule(_ context.Context, p cloudstack.FirewallRuleParams) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("createFirewallRule"); err != nil {
		return nil, err
	}
	f.firewalls = append(f.firewalls, p)
	return f.respond("createFirewallRule"), nil
}

func (f *fakeCloud) CreatePortForwardingRule(_ context.Context, p cloudstack.PortForwardingParams) (*cloudstack.AsyncResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("createPortForwardingRule"); err != nil {
		return nil, err
	}
	f.forwardings = append(f.forwardings, p)
	return f.respond("createPortForwardingRule"), nil
}

func (f *fakeCloud) ListZones(_ context.Context, name string) ([]cloudstack.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listZones"); err != nil {
		return nil, err
	}
	return f.zones[name], nil
}

func (f *fakeCloud) ListTemplates(_ context.Context, _, name string) ([]cloudstack.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listTemplates"); err != nil {
		return nil, err
	}
	return f.templates[name], nil
}

func (f *fakeCloud) ListServiceOfferings(_ context.Context, name string) ([]cloudstack.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listServiceOfferings"); err != nil {
		return nil, err
	}
	return f.offerings[name], nil
}

func (f *fakeCloud) ListNetworks(_ context.Context, _, name string) ([]cloudstack.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("listNetworks"); err != nil {
		return nil, err
	}
	return f.networks[name], nil
}

func pending(jobID string) *cloudstack.AsyncJob {
	return &cloudstack.AsyncJob{JobID: jobID, Status: cloudstack.JobPending}
}

func succeeded(jobID, key string, obj any) *cloudstack.AsyncJob {
	result := json.RawMessage(`{}`)
	if key != "" {
		raw, err := json.Marshal(map[string]any{key: obj})
		if err != nil {
			panic(err)
		}
		result = raw
	}
	return &cloudstack.AsyncJob{JobID: jobID, Status: cloudstack.JobSucceeded, Result: result}
}

func failed(jobID string, code int, text string) *cloudstack.AsyncJob {
	raw, err := json.Marshal(map[string]any{"errorcode": code, "errortext": text})
	if err != nil {
		panic(err)
	}
	return &cloudstack.AsyncJob{JobID: jobID, Status: cloudstack.JobFailed, ResultCode: 1, Result: raw}
}

// fakeProber records targets and returns err.
type fakeProber struct {
	mu      sync.Mutex
	targets []remote.Target
	budgets []time.Duration
	err     error
}

func (p *fakeProber) WaitUntilReachable(_ context.Context, target remote.Target, budget time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target)
	p.budgets = append(p.budgets, budget)
	return p.err
}

// fakeInstaller records targets and returns err.
type fakeInstaller struct {
	mu      sync.Mutex
	targets []remote.Target
	err     error
}

func (i *fakeInstaller) InstallAccess(_ context.Context, target remote.Target) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.targets = append(i.targets, target)
	return i.err
}
