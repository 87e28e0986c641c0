package manager

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ratelimitcore/errs"
	"ratelimitcore/quota"
)

// FileConfig is the declarative, YAML-loadable shape of a Manager's routing
// table — for deployments that want rate limits configured alongside the
// rest of a service's config rather than compiled in.
//
// Example:
//
//	default_quota:
//	  max_requests: 100
//	  period: 1m
//	routes:
//	  /api/search:
//	    max_requests: 30
//	    period: 1m
//	patterns:
//	  "/api/users/*":
//	    max_requests: 20
//	    period: 1s
//	    burst: 40
type FileConfig struct {
	DefaultQuota *QuotaConfig          `yaml:"default_quota,omitempty"`
	Routes       map[string]RouteEntry `yaml:"routes,omitempty"`
	Patterns     map[string]RouteEntry `yaml:"patterns,omitempty"`
}

// QuotaConfig is the YAML representation of a quota.Quota.
type QuotaConfig struct {
	MaxRequests uint64        `yaml:"max_requests"`
	Period      time.Duration `yaml:"period"`
	Burst       uint64        `yaml:"burst,omitempty"`
}

// RouteEntry is the YAML representation of a RouteConfig.
type RouteEntry struct {
	QuotaConfig `yaml:",inline"`
	KeySuffix   string `yaml:"key_suffix,omitempty"`
}

func (q QuotaConfig) toQuota() (quota.Quota, error) {
	base, err := quota.New(q.MaxRequests, q.Period)
	if err != nil {
		return quota.Quota{}, err
	}
	if q.Burst != 0 {
		return base.WithBurst(q.Burst)
	}
	return base, nil
}

// LoadConfig reads and parses a FileConfig from a YAML file.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.Internal, "manager.LoadConfig", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.New(errs.Invalid, "manager.LoadConfig", err)
	}
	return &cfg, nil
}

// Apply wires a parsed FileConfig's routes and default quota into a
// Builder, leaving the key extractor, policy, algorithm, and storage to the
// caller.
func Apply[R any](b *Builder[R], cfg *FileConfig) error {
	if cfg.DefaultQuota != nil {
		q, err := cfg.DefaultQuota.toQuota()
		if err != nil {
			return err
		}
		b.DefaultQuota(q)
	}
	for path, entry := range cfg.Routes {
		q, err := entry.QuotaConfig.toQuota()
		if err != nil {
			return err
		}
		b.Route(path, RouteConfig{Quota: q, KeySuffix: entry.KeySuffix})
	}
	for pattern, entry := range cfg.Patterns {
		q, err := entry.QuotaConfig.toQuota()
		if err != nil {
			return err
		}
		b.RoutePattern(pattern, RouteConfig{Quota: q, KeySuffix: entry.KeySuffix})
	}
	return nil
}
