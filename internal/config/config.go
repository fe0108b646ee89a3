// Package config provides configuration management for rdmastream.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Environment variables (RDMASTREAM_* prefix)
//  2. Configuration file (config.yaml)
//  3. Default values
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for an rdmastream node.
type Config struct {
	// NodeName identifies this node in logs.
	NodeName string `mapstructure:"node_name"`

	// AdminPort serves /healthz and /metrics.
	AdminPort int `mapstructure:"admin_port"`

	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log_level"`

	// RDMA configures the transport endpoints.
	RDMA RDMAConfig `mapstructure:"rdma"`
}

// RDMAConfig holds the transport tunables.
type RDMAConfig struct {
	// SBufSize is the desired send byte budget per connection. The send
	// ring depth is derived from it.
	SBufSize int `mapstructure:"sbuf_size"`

	// RBufSize is the desired recv byte budget per connection.
	RBufSize int `mapstructure:"rbuf_size"`

	// RecvZerocopy hands received blocks upward by reference.
	RecvZerocopy bool `mapstructure:"recv_zerocopy"`

	// UsercodeInPthread pins each shared-CQ completion consumer to a
	// dedicated OS thread.
	UsercodeInPthread bool `mapstructure:"usercode_in_pthread"`

	// ClusterCIDR is the address prefix RDMA is attempted inside when
	// dialing. Empty keeps dialed connections on plain TCP.
	ClusterCIDR string `mapstructure:"cluster_cidr"`

	// MaxSGE is the device scatter/gather limit per work request.
	MaxSGE int `mapstructure:"max_sge"`

	// PoolRegions and PoolRegionBlocks size the registered-memory pool.
	PoolRegions      int `mapstructure:"pool_regions"`
	PoolRegionBlocks int `mapstructure:"pool_region_blocks"`
}

// setDefaults registers default values with viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "rdmastream")
	v.SetDefault("admin_port", 9201)
	v.SetDefault("log_level", "info")

	v.SetDefault("rdma.sbuf_size", 1<<20)
	v.SetDefault("rdma.rbuf_size", 1<<20)
	v.SetDefault("rdma.recv_zerocopy", true)
	v.SetDefault("rdma.usercode_in_pthread", false)
	v.SetDefault("rdma.cluster_cidr", "")
	v.SetDefault("rdma.max_sge", 4)
	v.SetDefault("rdma.pool_regions", 4)
	v.SetDefault("rdma.pool_region_blocks", 256)
}

// Load reads configuration from the given file path (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RDMASTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("admin_port %d out of range", c.AdminPort)
	}
	if c.RDMA.SBufSize <= 0 {
		return fmt.Errorf("rdma.sbuf_size must be positive, got %d", c.RDMA.SBufSize)
	}
	if c.RDMA.RBufSize <= 0 {
		return fmt.Errorf("rdma.rbuf_size must be positive, got %d", c.RDMA.RBufSize)
	}
	if c.RDMA.MaxSGE <= 0 {
		return fmt.Errorf("rdma.max_sge must be positive, got %d", c.RDMA.MaxSGE)
	}
	if c.RDMA.ClusterCIDR != "" {
		if _, err := netip.ParsePrefix(c.RDMA.ClusterCIDR); err != nil {
			return fmt.Errorf("rdma.cluster_cidr: %w", err)
		}
	}
	return nil
}

// ClusterPrefix parses the configured cluster CIDR. The zero Prefix is
// returned when none is configured, which keeps dialed connections on
// plain TCP.
func (c *RDMAConfig) ClusterPrefix() netip.Prefix {
	if c.ClusterCIDR == "" {
		return netip.Prefix{}
	}
	p, err := netip.ParsePrefix(c.ClusterCIDR)
	if err != nil {
		return netip.Prefix{}
	}
	return p
}
