package cloudstack

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DeployVirtualMachine submits an instance creation. The returned ID is the
// instance id; the instance is usable only once the job succeeds.
func (c *Client) DeployVirtualMachine(ctx context.Context, p DeployParams) (*AsyncResponse, error) {
	params := url.Values{}
	params.Set("zoneid", p.ZoneID)
	params.Set("templateid", p.TemplateID)
	params.Set("serviceofferingid", p.ServiceOfferingID)
	if p.Name != "" {
		params.Set("name", p.Name)
	}
	if p.DisplayName != "" {
		params.Set("displayname", p.DisplayName)
	}
	if len(p.NetworkIDs) > 0 {
		params.Set("networkids", strings.Join(p.NetworkIDs, ","))
	}
	if len(p.SecurityGroupIDs) > 0 {
		params.Set("securitygroupids", strings.Join(p.SecurityGroupIDs, ","))
	}
	if p.KeypairName != "" {
		params.Set("keypair", p.KeypairName)
	}
	if p.DiskSizeGB > 0 {
		params.Set("rootdisksize", strconv.FormatInt(p.DiskSizeGB, 10))
	}
	if p.UserData != "" {
		params.Set("userdata", base64.StdEncoding.EncodeToString([]byte(p.UserData)))
	}

	var resp AsyncResponse
	if err := c.call(ctx, "deployVirtualMachine", params, &resp); err != nil {
		return nil, err
	}
	if resp.JobID == "" {
		return nil, fmt.Errorf("deployVirtualMachine returned no job id")
	}
	return &resp, nil
}

// DestroyVirtualMachine deletes an instance, optionally expunging it.
func (c *Client) DestroyVirtualMachine(ctx context.Context, id string, expunge bool) (*AsyncResponse, error) {
	params := url.Values{"id": {id}}
	if expunge {
		params.Set("expunge", "true")
	}
	var resp AsyncResponse
	if err := c.call(ctx, "destroyVirtualMachine", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListZones returns zones, filtered by exact name when name is set.
func (c *Client) ListZones(ctx context.Context, name string) ([]Resource, error) {
	var resp struct {
		Zones []Resource `json:"zone"`
	}
	if err := c.call(ctx, "listZones", nameFilter("name", name), &resp); err != nil {
		return nil, err
	}
	return matchName(resp.Zones, name), nil
}

// ListTemplates returns executable templates, filtered by exact name when
// name is set.
func (c *Client) ListTemplates(ctx context.Context, zoneID, name string) ([]Resource, error) {
	params := nameFilter("name", name)
	params.Set("templatefilter", "executable")
	if zoneID != "" {
		params.Set("zoneid", zoneID)
	}
	var resp struct {
		Templates []Resource `json:"template"`
	}
	if err := c.call(ctx, "listTemplates", params, &resp); err != nil {
		return nil, err
	}
	return matchName(resp.Templates, name), nil
}

// ListServiceOfferings returns compute offerings, filtered by exact name
// when name is set.
func (c *Client) ListServiceOfferings(ctx context.Context, name string) ([]Resource, error) {
	var resp struct {
		Offerings []Resource `json:"serviceoffering"`
	}
	if err := c.call(ctx, "listServiceOfferings", nameFilter("name", name), &resp); err != nil {
		return nil, err
	}
	return matchName(resp.Offerings, name), nil
}

func nameFilter(key, name string) url.Values {
	params := url.Values{}
	if name != "" {
		params.Set(key, name)
	}
	return params
}

// matchName keeps exact matches; the API's name filters are substring or
// keyword matches on some versions.
func matchName(items []Resource, name string) []Resource {
	if name == "" {
		return items
	}
	var out []Resource
	for _, it := range items {
		if it.Name == name {
			out = append(out, it)
		}
	}
	return out
}
