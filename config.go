package main

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v2"
)

var defaultFileConfig = &fileConfig{
	ListenAddress: ":8080",
	TokenTTL:      15 * time.Minute,
}

type fileConfig struct {
	// ListenAddress is the address the HTTP server binds to
	ListenAddress string `yaml:"listenAddress"`
	// Issuer is the external URL of this service, used as the iss claim
	// and in the discovery document
	Issuer string `yaml:"issuer"`
	// Region is the AWS region this instance runs in; it selects the
	// signing key
	Region string `yaml:"region"`
	// Table is the DynamoDB table holding the RBAC state
	Table string `yaml:"table"`
	// SelfResource is the resource whose roles guard the management API
	SelfResource string `yaml:"selfResource"`
	// DefaultResource is the audience used when a token request names no
	// resource
	DefaultResource string `yaml:"defaultResource"`
	// TokenTTL is the lifetime of issued tokens
	TokenTTL time.Duration `yaml:"tokenTTL"`
	// Keys configures the KMS signing keys
	Keys keysFileConfig `yaml:"keys"`
}

type keysFileConfig struct {
	// Default is the key ARN used when no regional key matches
	Default string `yaml:"default"`
	// Regional maps regions to their signing keys, at most one per region
	Regional []string `yaml:"regional"`
	// Secondary keys are retired keys still published in JWKS so tokens
	// issued under them keep verifying
	Secondary []string `yaml:"secondary"`
}

func loadConfigFromFile(file string) (*fileConfig, error) {
	cfg := defaultFileConfig

	if file == "" {
		return nil, trace.BadParameter("a configuration file is required")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, trace.Wrap(err, "parsing configuration")
	}

	switch {
	case cfg.Issuer == "":
		return nil, trace.BadParameter("issuer can't be empty")
	case cfg.Region == "":
		return nil, trace.BadParameter("region can't be empty")
	case cfg.Table == "":
		return nil, trace.BadParameter("table can't be empty")
	case cfg.SelfResource == "":
		return nil, trace.BadParameter("selfResource can't be empty")
	case cfg.Keys.Default == "":
		return nil, trace.BadParameter("keys.default can't be empty")
	}

	return cfg, nil
}
