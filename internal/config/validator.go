package config

import (
	"fmt"

	"github.com/stacklok/vmcpgw/pkg/vmcp"
)

// Validator checks a parsed Config for the invariants the gateway requires
// before it will start dialing backends.
type Validator struct{}

// NewValidator returns a ready-to-use Validator.
func NewValidator() *Validator { return &Validator{} }

// Validate returns the first structural problem found, or nil if cfg is
// ready to hand to the supervisor and router.
func (*Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Name == "" {
		return fmt.Errorf("name is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d is out of range", cfg.Port)
	}
	switch cfg.Transport {
	case "", "stdio", "http":
	default:
		return fmt.Errorf("transport: unknown value %q, must be \"stdio\" or \"http\"", cfg.Transport)
	}

	seen := make(map[string]bool, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends: duplicate id %q", b.ID)
		}
		seen[b.ID] = true

		domain, err := b.ToDomainBackend()
		if err != nil {
			return err
		}
		if err := domain.Validate(); err != nil {
			return err
		}
	}

	if cfg.Aggregation != nil {
		switch vmcp.ConflictResolutionStrategy(cfg.Aggregation.ConflictResolution) {
		case "", vmcp.ConflictStrategyPriority,
			vmcp.ConflictStrategyPrefix, vmcp.ConflictStrategyError:
		default:
			return fmt.Errorf("aggregation.conflict_resolution: unknown strategy %q", cfg.Aggregation.ConflictResolution)
		}
		if cfg.Aggregation.ConflictResolution == string(vmcp.ConflictStrategyPriority) && len(cfg.Aggregation.PriorityOrder) == 0 {
			return fmt.Errorf("aggregation.priority_order: required when conflict_resolution is priority")
		}
	}

	if cfg.Session != nil && cfg.Session.IdleTimeout != "" {
		if _, err := cfg.EffectiveSessionIdleTimeout(); err != nil {
			return err
		}
	}

	if cfg.Audit != nil && cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit.enabled is true")
	}

	return nil
}
