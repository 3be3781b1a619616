// Package config loads node configuration from a YAML file
// (gopkg.in/yaml.v3), with every key optional except node_id and role and
// defaults filled in by Defaults().
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nodeforge/fabric/internal/model"
)

// Config is the fully-resolved, in-memory configuration for one node.
type Config struct {
	NodeID     string     `yaml:"node_id"`
	Role       model.Role `yaml:"role"`
	BindAddr   string     `yaml:"bind_address"`
	ListenPort int        `yaml:"listen_port"`

	BootstrapCoordinators []string `yaml:"bootstrap_coordinators"`

	GossipIntervalMinSeconds   int `yaml:"gossip_interval_min_seconds"`
	GossipIntervalMaxSeconds   int `yaml:"gossip_interval_max_seconds"`
	GossipMaxTargets           int `yaml:"gossip_max_targets"`
	GossipCompressionThreshold int `yaml:"gossip_compression_threshold_bytes"`

	SuspectTimeoutSeconds int `yaml:"suspect_timeout_seconds"`
	DeadTimeoutSeconds    int `yaml:"dead_timeout_seconds"`
	EvictTimeoutSeconds   int `yaml:"evict_timeout_seconds"`

	RateLimitRPCPerMin    int  `yaml:"rate_limit_rpc_per_min"`
	RateLimitRPCBurst     int  `yaml:"rate_limit_rpc_burst"`
	RateLimitHealthPerMin int  `yaml:"rate_limit_health_per_min"`
	RateLimitHealthBurst  int  `yaml:"rate_limit_health_burst"`
	RateLimitEnabled      bool `yaml:"rate_limit_enabled"`

	CertValidatorHTTPPort   int `yaml:"cert_validator_http_port"`
	CertRenewalLeadtimeDays int `yaml:"cert_renewal_leadtime_days"`

	OutboundRequestDeadlineSeconds int `yaml:"outbound_request_deadline_seconds"`
	ShutdownGraceSeconds           int `yaml:"shutdown_grace_seconds"`

	BootstrapHTTPPort     int    `yaml:"bootstrap_http_port"`
	BootstrapToken        string `yaml:"bootstrap_token"`
	RequireBootstrapToken bool   `yaml:"require_bootstrap_token"`

	DataDir         string `yaml:"data_dir"`
	BearerAuth      string `yaml:"bearer_token"`
	StorePassphrase string `yaml:"store_passphrase"`
}

// Defaults returns a Config with every optional key at its default.
func Defaults() Config {
	return Config{
		Role:                           model.RoleWorker,
		ListenPort:                     8801,
		GossipIntervalMinSeconds:       5,
		GossipIntervalMaxSeconds:       30,
		GossipMaxTargets:               5,
		GossipCompressionThreshold:     1024,
		SuspectTimeoutSeconds:          30,
		DeadTimeoutSeconds:             90,
		EvictTimeoutSeconds:            600,
		RateLimitRPCPerMin:             100,
		RateLimitRPCBurst:              20,
		RateLimitHealthPerMin:          300,
		RateLimitHealthBurst:           50,
		RateLimitEnabled:               true,
		CertValidatorHTTPPort:          8802,
		BootstrapHTTPPort:              8800,
		CertRenewalLeadtimeDays:        30,
		OutboundRequestDeadlineSeconds: 10,
		ShutdownGraceSeconds:           5,
		DataDir:                        "./data",
	}
}

// Load reads a YAML file, merging it over Defaults().
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate enforces the required-field rules.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.Role != model.RoleCoordinator && c.Role != model.RoleWorker {
		return fmt.Errorf("config: role must be %q or %q, got %q", model.RoleCoordinator, model.RoleWorker, c.Role)
	}
	if c.Role == model.RoleWorker && len(c.BootstrapCoordinators) == 0 {
		return fmt.Errorf("config: bootstrap_coordinators is required for workers")
	}
	return nil
}

func (c Config) GossipIntervalMin() time.Duration {
	return time.Duration(c.GossipIntervalMinSeconds) * time.Second
}

func (c Config) GossipIntervalMax() time.Duration {
	return time.Duration(c.GossipIntervalMaxSeconds) * time.Second
}

func (c Config) SuspectTimeout() time.Duration {
	return time.Duration(c.SuspectTimeoutSeconds) * time.Second
}

func (c Config) DeadTimeout() time.Duration {
	return time.Duration(c.DeadTimeoutSeconds) * time.Second
}

func (c Config) EvictTimeout() time.Duration {
	return time.Duration(c.EvictTimeoutSeconds) * time.Second
}

func (c Config) OutboundDeadline() time.Duration {
	return time.Duration(c.OutboundRequestDeadlineSeconds) * time.Second
}

func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c Config) CertRenewalLeadtime() time.Duration {
	return time.Duration(c.CertRenewalLeadtimeDays) * 24 * time.Hour
}
