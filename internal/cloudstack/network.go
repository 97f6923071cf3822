package cloudstack

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ListNetworks returns guest networks in a zone, filtered by exact name when
// name is set.
func (c *Client) ListNetworks(ctx context.Context, zoneID, name string) ([]Resource, error) {
	params := nameFilter("keyword", name)
	if zoneID != "" {
		params.Set("zoneid", zoneID)
	}
	var resp struct {
		Networks []Resource `json:"network"`
	}
	if err := c.call(ctx, "listNetworks", params, &resp); err != nil {
		return nil, err
	}
	return matchName(resp.Networks, name), nil
}

// GetNetwork fetches a single network, mainly to learn its VPC.
func (c *Client) GetNetwork(ctx context.Context, id string) (*Network, error) {
	var resp struct {
		Networks []Network `json:"network"`
	}
	if err := c.call(ctx, "listNetworks", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Networks) == 0 {
		return nil, fmt.Errorf("network %s: %w", id, ErrNotFound)
	}
	return &resp.Networks[0], nil
}

// AssociateIPAddress acquires a floating address, scoped to the VPC when
// one is given and to the network otherwise.
func (c *Client) AssociateIPAddress(ctx context.Context, p AssociateIPParams) (*AsyncResponse, error) {
	params := url.Values{}
	switch {
	case p.VPCID != "":
		params.Set("vpcid", p.VPCID)
	case p.NetworkID != "":
		params.Set("networkid", p.NetworkID)
	}
	if p.ZoneID != "" {
		params.Set("zoneid", p.ZoneID)
	}
	var resp AsyncResponse
	if err := c.call(ctx, "associateIpAddress", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DisassociateIPAddress releases a floating address.
func (c *Client) DisassociateIPAddress(ctx context.Context, id string) (*AsyncResponse, error) {
	var resp AsyncResponse
	if err := c.call(ctx, "disassociateIpAddress", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateFirewallRule opens an inbound port range on a floating address.
func (c *Client) CreateFirewallRule(ctx context.Context, p FirewallRuleParams) (*AsyncResponse, error) {
	params := url.Values{}
	params.Set("ipaddressid", p.IPAddressID)
	params.Set("protocol", protocolOrTCP(p.Protocol))
	params.Set("startport", strconv.Itoa(p.StartPort))
	params.Set("endport", strconv.Itoa(p.EndPort))
	if len(p.CIDRs) > 0 {
		params.Set("cidrlist", strings.Join(p.CIDRs, ","))
	}
	var resp AsyncResponse
	if err := c.call(ctx, "createFirewallRule", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteFirewallRule removes a firewall rule.
func (c *Client) DeleteFirewallRule(ctx context.Context, id string) (*AsyncResponse, error) {
	var resp AsyncResponse
	if err := c.call(ctx, "deleteFirewallRule", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreatePortForwardingRule forwards a public port to an instance. The
// firewall is managed separately so openfirewall is always false.
func (c *Client) CreatePortForwardingRule(ctx context.Context, p PortForwardingParams) (*AsyncResponse, error) {
	params := url.Values{}
	params.Set("ipaddressid", p.IPAddressID)
	params.Set("virtualmachineid", p.VirtualMachineID)
	params.Set("protocol", protocolOrTCP(p.Protocol))
	params.Set("publicport", strconv.Itoa(p.PublicPort))
	params.Set("privateport", strconv.Itoa(p.PrivatePort))
	params.Set("openfirewall", "false")
	if p.NetworkID != "" {
		params.Set("networkid", p.NetworkID)
	}
	var resp AsyncResponse
	if err := c.call(ctx, "createPortForwardingRule", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeletePortForwardingRule removes a port-forwarding rule.
func (c *Client) DeletePortForwardingRule(ctx context.Context, id string) (*AsyncResponse, error) {
	var resp AsyncResponse
	if err := c.call(ctx, "deletePortForwardingRule", url.Values{"id": {id}}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func protocolOrTCP(p string) string {
	if p == "" {
		return "tcp"
	}
	return p
}
