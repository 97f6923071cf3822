package state

import (
	"fmt"

	"csdriver/internal/config"
)

// NewStore creates the store selected by configuration.
func NewStore(cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case config.StateBackendFile, "":
		return NewFileStore(cfg.Directory)
	case config.StateBackendEtcd:
		return NewEtcdStore(cfg.EtcdEndpoints, cfg.EtcdPrefix)
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", cfg.Backend)
	}
}
