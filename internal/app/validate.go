package app

import (
	"context"
	"fmt"
	"strings"

	"skytask/internal/config"
	"skytask/internal/tenant"
	"skytask/internal/transport/httpapi"
)

// validateConfig runs every mapper so a bad file or hot reload is rejected
// before it is committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutionConfig(cfg, ""); err != nil {
		return err
	}
	if _, err := mapCatalogDefaults(cfg); err != nil {
		return err
	}
	if _, _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFleetConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSelfNode(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTracingConfig(cfg); err != nil {
		return err
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if hc.Enabled {
		if err := httpapi.CheckBind(hc); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i, s := range cfg.Tenants {
		code := tenant.NormalizeCode(s.Code)
		if code == "" {
			return fmt.Errorf("tenants[%d].code is required", i)
		}
		if seen[code] {
			return fmt.Errorf("tenants[%d]: duplicate code %q", i, strings.TrimSpace(s.Code))
		}
		seen[code] = true
	}
	return nil
}

// Validate checks cfg the way the serve command does at startup.
func Validate(ctx context.Context, cfg *config.Config) error { return validateConfig(ctx, cfg) }
