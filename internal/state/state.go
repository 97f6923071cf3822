// Package state persists instance records between driver invocations.
// A record is the single source of truth for teardown.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned for instance names that cannot be used as keys.
var ErrInvalidName = errors.New("invalid instance name")

// InstanceRecord is everything needed to reach and tear down one instance.
// The JSON keys are shared with the host tool's state files.
type InstanceRecord struct {
	ServerID         string `json:"server_id,omitempty"`
	Hostname         string `json:"hostname,omitempty"`
	Password         string `json:"password,omitempty"`
	IPAddressID      string `json:"ipaddressid,omitempty"`
	FirewallRuleID   string `json:"firewall_rule_id,omitempty"`
	ForwardingRuleID string `json:"forwardingruleid,omitempty"`
}

// Empty reports whether the record tracks no resources at all.
func (r *InstanceRecord) Empty() bool {
	return *r == InstanceRecord{}
}

// Clear drops every field.
func (r *InstanceRecord) Clear() {
	*r = InstanceRecord{}
}

// Store loads and saves records keyed by instance name.
type Store interface {
	// Load returns the record for name, or an empty record if none exists.
	Load(ctx context.Context, name string) (*InstanceRecord, error)
	// Save writes rec. Saving an empty record deletes it.
	Save(ctx context.Context, name string, rec *InstanceRecord) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) (map[string]InstanceRecord, error)
	Close() error
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
