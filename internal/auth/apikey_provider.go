package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/runforge/controlplane/pkg/contracts"
)

// APIKeyProvider validates keys from the Authorization: Bearer <key> or
// X-API-Key headers, configured via API_KEYS (comma-separated; each entry
// is either "key" — granted the default "operator" role — or "key:role"
// to grant a specific role, e.g. "admin" for gate approve/waive.
type APIKeyProvider struct {
	mu          sync.RWMutex
	keys        map[string]string // key -> role
	enabled     bool
	defaultRole string
}

// NewAPIKeyProvider creates an API key auth provider from the configured
// key list (see internal/config.AuthConfig.APIKeys).
func NewAPIKeyProvider(apiKeys []string) *APIKeyProvider {
	p := &APIKeyProvider{
		keys:        make(map[string]string),
		defaultRole: "operator",
	}
	for _, entry := range apiKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, role, found := strings.Cut(entry, ":")
		if !found || role == "" {
			role = p.defaultRole
		}
		p.keys[key] = role
		p.enabled = true
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := extractAPIKeyFromRequest(r)
	if apiKey == "" {
		return nil, nil
	}

	role, ok := p.validateKey(apiKey)
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	keyHash := fmt.Sprintf("%x", sha256.Sum256([]byte(apiKey)))
	return &contracts.Identity{
		Subject:     "apikey:" + keyHash[:16],
		Provider:    "apikey",
		Role:        role,
		DisplayName: "API Key User",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *APIKeyProvider) validateKey(candidate string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for key, role := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return role, true
		}
	}
	return "", false
}

// AddKey adds a new API key at runtime, granting it role.
func (p *APIKeyProvider) AddKey(key, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if role == "" {
		role = p.defaultRole
	}
	p.keys[key] = role
	p.enabled = true
}

// RemoveKey removes an API key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
	if len(p.keys) == 0 {
		p.enabled = false
	}
}

func extractAPIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
