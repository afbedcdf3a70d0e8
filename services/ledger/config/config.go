// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates ledger node configuration.
//
// Configuration is YAML. Unset fields keep the values from DefaultConfig,
// so a minimal file only names the node and its data directory:
//
//	node_id: node-1
//	data_dir: /var/lib/aleutian/ledger
//	client_keys:
//	  - MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA...
//
// Keys are the base64 packed (PKIX DER) form printed by
// "ledgernode keygen".
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianLedger/pkg/logging"
	"github.com/AleutianAI/AleutianLedger/services/ledger/contract"
	"github.com/AleutianAI/AleutianLedger/services/ledger/telemetry"
)

const (
	// MaxYAMLFileSize caps configuration files at 1MB.
	MaxYAMLFileSize = 1024 * 1024

	// DefaultListenAddr is the client API address.
	DefaultListenAddr = ":12000"

	// DefaultQuantaPerUTN is how many quanta one transaction unit buys.
	DefaultQuantaPerUTN = 200

	// DefaultMaxParcelQuanta caps the limit a parcel payment can buy.
	DefaultMaxParcelQuanta = 1000 * DefaultQuantaPerUTN

	// DefaultNodeKeyBits is the size of generated node keys.
	DefaultNodeKeyBits = 2048
)

var (
	// ErrFileTooLarge is returned when a config file exceeds MaxYAMLFileSize.
	ErrFileTooLarge = errors.New("config file too large")

	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid config")
)

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("packedkey", validatePackedKey)
}

// validatePackedKey accepts a base64 PKIX RSA public key.
func validatePackedKey(fl validator.FieldLevel) bool {
	_, err := contract.ParsePublicKeyString(fl.Field().String())
	return err == nil
}

// RateLimitConfig bounds requests per client key.
type RateLimitConfig struct {
	// RPS is the sustained request rate per client key.
	RPS float64 `yaml:"rps" validate:"gt=0"`

	// Burst is the bucket size.
	Burst int `yaml:"burst" validate:"gt=0"`
}

// NodeConfig is the complete configuration of one ledger node.
type NodeConfig struct {
	NodeID      string `yaml:"node_id" validate:"required,max=64"`
	ListenAddr  string `yaml:"listen_addr" validate:"required,hostname_port"`
	DataDir     string `yaml:"data_dir" validate:"required_unless=InMemory true"`
	InMemory    bool   `yaml:"in_memory"`
	NodeKeyFile string `yaml:"node_key_file"`

	// ClientKeys may call approve and startApproval. Empty admits any
	// client that presents a key.
	ClientKeys []string `yaml:"client_keys" validate:"dive,packedkey"`

	// NetworkAdminKeys may read node statistics.
	NetworkAdminKeys []string `yaml:"network_admin_keys" validate:"dive,packedkey"`

	// PeerNodeKeys identify other nodes. They are served during sanitation.
	PeerNodeKeys []string `yaml:"peer_node_keys" validate:"dive,packedkey"`

	// UnitsIssuerKeys, when set, must have issued every parcel payment.
	UnitsIssuerKeys []string `yaml:"units_issuer_keys" validate:"dive,packedkey"`

	// MaxQuanta limits validation of items approved without a parcel.
	// -1 removes the limit.
	MaxQuanta int `yaml:"max_quanta" validate:"gte=-1"`

	// QuantaPerUTN converts spent transaction units to a quanta limit.
	QuantaPerUTN int `yaml:"quanta_per_utn" validate:"gt=0"`

	// MaxParcelQuanta caps a parcel payload's limit and any limit a peer
	// proposes.
	MaxParcelQuanta int `yaml:"max_parcel_quanta" validate:"gt=0"`

	ConsensusTimeout   time.Duration `yaml:"consensus_timeout" validate:"gt=0"`
	SanitationInterval time.Duration `yaml:"sanitation_interval" validate:"gt=0"`
	ItemCacheTTL       time.Duration `yaml:"item_cache_ttl" validate:"gt=0"`

	// ItemRetention is how long packed items are kept for download.
	ItemRetention time.Duration `yaml:"item_retention" validate:"gt=0"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// MaxAsyncApprovals bounds concurrent startApproval work.
	MaxAsyncApprovals int64 `yaml:"max_async_approvals" validate:"gt=0"`

	// LocalCORS allows any origin. Only for local development.
	LocalCORS bool `yaml:"local_cors"`

	Logging   logging.Config   `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DefaultConfig returns a configuration that validates once NodeID and a
// storage choice are set.
func DefaultConfig() NodeConfig {
	return NodeConfig{
		ListenAddr:         DefaultListenAddr,
		MaxQuanta:          5 * DefaultQuantaPerUTN,
		QuantaPerUTN:       DefaultQuantaPerUTN,
		MaxParcelQuanta:    DefaultMaxParcelQuanta,
		ConsensusTimeout:   15 * time.Second,
		SanitationInterval: 10 * time.Second,
		ItemCacheTTL:       10 * time.Minute,
		ItemRetention:      30 * 24 * time.Hour,
		RateLimit:          RateLimitConfig{RPS: 20, Burst: 40},
		MaxAsyncApprovals:  64,
		Logging:            logging.Config{Level: logging.LevelInfo, Service: "ledgernode"},
		Telemetry:          telemetry.DefaultConfig(),
	}
}

// Load reads, parses and validates a YAML file.
//
// # Inputs
//
//   - path: file to read. A leading ~ is not expanded.
//
// # Outputs
//
//   - NodeConfig: DefaultConfig overlaid with the file.
//   - error: ErrFileTooLarge, a read or YAML error, or ErrInvalid.
func Load(path string) (NodeConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return NodeConfig{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, info.Size(), MaxYAMLFileSize)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("%s: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (NodeConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("parsing yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *NodeConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ClientKeySet returns the client whitelist.
func (c *NodeConfig) ClientKeySet() (contract.KeySet, error) {
	return parseKeys(c.ClientKeys)
}

// AdminKeySet returns the network admin keys.
func (c *NodeConfig) AdminKeySet() (contract.KeySet, error) {
	return parseKeys(c.NetworkAdminKeys)
}

// PeerKeySet returns the peer node keys.
func (c *NodeConfig) PeerKeySet() (contract.KeySet, error) {
	return parseKeys(c.PeerNodeKeys)
}

// IssuerKeySet returns the transaction units issuer keys.
func (c *NodeConfig) IssuerKeySet() (contract.KeySet, error) {
	return parseKeys(c.UnitsIssuerKeys)
}

func parseKeys(encoded []string) (contract.KeySet, error) {
	set := contract.NewKeySet()
	for i, s := range encoded {
		k, err := contract.ParsePublicKeyString(s)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		set.Add(k)
	}
	return set, nil
}

// LoadNodeKey reads the node's private key. Without NodeKeyFile an
// ephemeral key is generated, which is only useful for development since
// peers cannot pin it.
func (c *NodeConfig) LoadNodeKey(logger *slog.Logger) (*contract.PrivateKey, error) {
	if c.NodeKeyFile == "" {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("no node_key_file configured, generating ephemeral node key",
			slog.String("node_id", c.NodeID))
		return contract.GeneratePrivateKey(DefaultNodeKeyBits)
	}
	data, err := os.ReadFile(c.NodeKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading node key: %w", err)
	}
	key, err := contract.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parsing node key %s: %w", c.NodeKeyFile, err)
	}
	return key, nil
}
