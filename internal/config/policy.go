package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"

	"github.com/kenneth/stossymoji/internal/crypto"
)

// PolicyConfig overrides settings for the stores whose ids match one of its
// glob patterns. It matters when clients bring their own credentials and one
// gateway serves several stores.
type PolicyConfig struct {
	ID        string           `yaml:"id"`
	Stores    []string         `yaml:"stores"` // Glob patterns for store ids
	Cipher    *CipherConfig    `yaml:"cipher,omitempty"`
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
	Prefix    *string          `yaml:"prefix,omitempty"`
	ListLimit int              `yaml:"list_limit,omitempty"`
}

// PolicyManager manages loading and matching policies.
type PolicyManager struct {
	policies []*PolicyConfig
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager.
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*PolicyConfig, 0),
	}
}

// LoadPolicies replaces the loaded policies with those in files matching patterns.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	loaded := make([]*PolicyConfig, 0)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy PolicyConfig
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Stores) == 0 {
				return fmt.Errorf("policy %s must specify at least one store pattern", policy.ID)
			}
			if policy.Cipher != nil && !crypto.IsSupportedAlgorithm(policy.Cipher.Algorithm) {
				return fmt.Errorf("policy %s: invalid cipher.algorithm: %s", policy.ID, policy.Cipher.Algorithm)
			}

			loaded = append(loaded, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = loaded
	pm.mu.Unlock()
	return nil
}

// Len returns the number of loaded policies.
func (pm *PolicyManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.policies)
}

// GetPolicyForStore returns the first policy matching storeID.
func (pm *PolicyManager) GetPolicyForStore(storeID string) *PolicyConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		for _, pattern := range policy.Stores {
			if glob.Glob(pattern, storeID) {
				return policy
			}
		}
	}
	return nil
}

// Resolve returns base with the matching policy applied, or base itself
// when nothing matches.
func (pm *PolicyManager) Resolve(base *Config, storeID string) *Config {
	if pm == nil {
		return base
	}
	if p := pm.GetPolicyForStore(storeID); p != nil {
		return p.ApplyToConfig(base)
	}
	return base
}

// ApplyToConfig applies policy overrides to a copy of the base configuration.
func (p *PolicyConfig) ApplyToConfig(base *Config) *Config {
	newConfig := base.clone()

	if p.Cipher != nil && p.Cipher.Algorithm != "" {
		newConfig.Cipher.Algorithm = p.Cipher.Algorithm
	}
	if p.RateLimit != nil {
		newConfig.RateLimit = *p.RateLimit
	}
	if p.Prefix != nil {
		newConfig.Store.Prefix = *p.Prefix
	}
	if p.ListLimit > 0 {
		newConfig.Store.ListLimit = p.ListLimit
	}

	return newConfig
}
