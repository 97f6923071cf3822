package cloudstack

import (
	"encoding/json"
	"fmt"
)

// JobStatus is the jobstatus field of queryAsyncJobResult.
type JobStatus int

const (
	JobPending   JobStatus = 0
	JobSucceeded JobStatus = 1
	JobFailed    JobStatus = 2
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobSucceeded:
		return "succeeded"
	case JobFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// AsyncJob is a snapshot of a provider-side asynchronous job.
type AsyncJob struct {
	JobID      string          `json:"jobid"`
	Status     JobStatus       `json:"jobstatus"`
	ResultCode int             `json:"jobresultcode"`
	ResultType string          `json:"jobresulttype"`
	Result     json.RawMessage `json:"jobresult"`
}

type errorBody struct {
	ErrorCode   int    `json:"errorcode"`
	CSErrorCode int    `json:"cserrorcode"`
	ErrorText   string `json:"errortext"`
}

// ErrorText returns the provider's error text for a failed job.
func (j *AsyncJob) ErrorText() string {
	var body errorBody
	if len(j.Result) > 0 {
		_ = json.Unmarshal(j.Result, &body)
	}
	return body.ErrorText
}

// ErrorCode returns the provider's error code for a failed job.
func (j *AsyncJob) ErrorCode() int {
	var body errorBody
	if len(j.Result) > 0 {
		_ = json.Unmarshal(j.Result, &body)
	}
	if body.ErrorCode != 0 {
		return body.ErrorCode
	}
	return j.ResultCode
}

// DecodeResult unmarshals the object stored under key in the job result.
func (j *AsyncJob) DecodeResult(key string, out any) error {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(j.Result, &wrapper); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", j.JobID, err)
	}
	raw, ok := wrapper[key]
	if !ok {
		return fmt.Errorf("job %s result has no %q object", j.JobID, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s of job %s: %w", key, j.JobID, err)
	}
	return nil
}

// VirtualMachine returns the instance a deploy job produced.
func (j *AsyncJob) VirtualMachine() (*VirtualMachine, error) {
	var vm VirtualMachine
	if err := j.DecodeResult("virtualmachine", &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// IPAddress returns the address an associate job produced.
func (j *AsyncJob) IPAddress() (*PublicIPAddress, error) {
	var ip PublicIPAddress
	if err := j.DecodeResult("ipaddress", &ip); err != nil {
		return nil, err
	}
	return &ip, nil
}

// NIC is one network interface of a virtual machine.
type NIC struct {
	ID        string `json:"id"`
	IPAddress string `json:"ipaddress"`
	NetworkID string `json:"networkid"`
	IsDefault bool   `json:"isdefault"`
}

// VirtualMachine is the subset of the provider's instance object we consume.
type VirtualMachine struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DisplayName     string `json:"displayname"`
	State           string `json:"state"`
	Password        string `json:"password"`
	PasswordEnabled bool   `json:"passwordenabled"`
	NICs            []NIC  `json:"nic"`
}

// PrimaryAddress returns the default NIC address, falling back to the first.
func (vm *VirtualMachine) PrimaryAddress() string {
	for _, nic := range vm.NICs {
		if nic.IsDefault && nic.IPAddress != "" {
			return nic.IPAddress
		}
	}
	for _, nic := range vm.NICs {
		if nic.IPAddress != "" {
			return nic.IPAddress
		}
	}
	return ""
}

// PublicIPAddress is an associated floating address.
type PublicIPAddress struct {
	ID        string `json:"id"`
	IPAddress string `json:"ipaddress"`
	VPCID     string `json:"vpcid"`
	NetworkID string `json:"associatednetworkid"`
}

// Network is the subset of a guest network we consume.
type Network struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	ZoneID string `json:"zoneid"`
	VPCID  string `json:"vpcid"`
}

// Resource is a named catalog entry (zone, template, offering, network).
type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AsyncResponse is the immediate reply to an asynchronous command.
type AsyncResponse struct {
	ID    string `json:"id"`
	JobID string `json:"jobid"`
}

// DeployParams are the arguments of deployVirtualMachine.
type DeployParams struct {
	Name              string
	DisplayName       string
	ZoneID            string
	TemplateID        string
	ServiceOfferingID string
	NetworkIDs        []string
	SecurityGroupIDs  []string
	KeypairName       string
	DiskSizeGB        int64
	// UserData is sent base64-encoded.
	UserData string
}

// AssociateIPParams scopes a new floating address to a VPC or a network.
type AssociateIPParams struct {
	ZoneID    string
	NetworkID string
	VPCID     string
}

// FirewallRuleParams opens a TCP port range on a public address.
type FirewallRuleParams struct {
	IPAddressID string
	Protocol    string
	StartPort   int
	EndPort     int
	CIDRs       []string
}

// PortForwardingParams maps a public port to an instance's private port.
type PortForwardingParams struct {
	IPAddressID      string
	VirtualMachineID string
	Protocol         string
	PublicPort       int
	PrivatePort      int
	NetworkID        string
}
