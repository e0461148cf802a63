// Package vault stores per-model exchange credentials in HashiCorp Vault.
// When Vault is disabled the credentials stay on the model row; the client
// degrades to an in-memory cache so the rest of the code has one call path.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"futures-ai-trader/config"
)

// Credentials are the exchange credentials held for one model.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Client wraps the Vault KV v2 API with a read-through cache.
type Client struct {
	client  *api.Client
	cfg     config.VaultConfig
	enabled bool

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewClient creates the credential store. With cfg.Enabled false the client
// is cache-only and never talks to Vault.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{cfg: cfg, cache: make(map[string]*Credentials)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	c.enabled = true
	return c, nil
}

func (c *Client) secretPath(modelID string) string {
	return fmt.Sprintf("%s/data/models/%s", c.cfg.Mount, modelID)
}

// StoreCredentials writes a model's exchange credentials.
func (c *Client) StoreCredentials(ctx context.Context, modelID string, creds Credentials) error {
	c.mu.Lock()
	c.cache[modelID] = &creds
	c.mu.Unlock()

	if !c.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(modelID), payload); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}
	return nil
}

// GetCredentials reads a model's exchange credentials. A nil result means
// Vault holds nothing for the model; callers fall back to the DB columns.
func (c *Client) GetCredentials(ctx context.Context, modelID string) (*Credentials, error) {
	c.mu.RLock()
	cached, ok := c.cache[modelID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if !c.enabled {
		return nil, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(modelID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected vault secret shape at %s", c.secretPath(modelID))
	}

	creds := &Credentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["api_secret"].(string); ok {
		creds.APISecret = v
	}

	c.mu.Lock()
	c.cache[modelID] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes a model's credentials, used on model deletion.
func (c *Client) DeleteCredentials(ctx context.Context, modelID string) error {
	c.mu.Lock()
	delete(c.cache, modelID)
	c.mu.Unlock()

	if !c.enabled {
		return nil
	}
	path := fmt.Sprintf("%s/metadata/models/%s", c.cfg.Mount, modelID)
	if _, err := c.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete credentials from vault: %w", err)
	}
	return nil
}
