package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultEtcdPrefix namespaces instance records in etcd.
const DefaultEtcdPrefix = "/csdriver/instances/"

// EtcdStore shares records between hosts through etcd, so a lifecycle
// started on one machine can be torn down from another.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to etcd
func NewEtcdStore(endpoints []string, prefix string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli, prefix: normalizePrefix(prefix)}, nil
}

func normalizePrefix(prefix string) string {
	if prefix == "" {
		return DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (s *EtcdStore) key(name string) string {
	return s.prefix + name
}

// Close closes the etcd client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// Load retrieves the record
func (s *EtcdStore) Load(ctx context.Context, name string) (*InstanceRecord, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(ctx, s.key(name))
	if err != nil {
		return nil, fmt.Errorf("failed to get instance state from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return &InstanceRecord{}, nil
	}
	var rec InstanceRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance state: %w", err)
	}
	return &rec, nil
}

// Save stores the record
func (s *EtcdStore) Save(ctx context.Context, name string, rec *InstanceRecord) error {
	if err := validateName(name); err != nil {
		return err
	}
	if rec == nil || rec.Empty() {
		return s.Delete(ctx, name)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal instance state: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key(name), string(data)); err != nil {
		return fmt.Errorf("failed to save instance state to etcd: %w", err)
	}
	return nil
}

// Delete deletes the record
func (s *EtcdStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if _, err := s.client.Delete(ctx, s.key(name)); err != nil {
		return fmt.Errorf("failed to delete instance state from etcd: %w", err)
	}
	return nil
}

// List returns all records under the prefix
func (s *EtcdStore) List(ctx context.Context) (map[string]InstanceRecord, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances from etcd: %w", err)
	}
	records := make(map[string]InstanceRecord, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec InstanceRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance state %s: %w", kv.Key, err)
		}
		records[strings.TrimPrefix(string(kv.Key), s.prefix)] = rec
	}
	return records, nil
}
