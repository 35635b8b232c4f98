package models

import (
	"time"
)

// KeyEnvironment labels the deployment environment an API key belongs to.
type KeyEnvironment string

const (
	KeyEnvProduction  KeyEnvironment = "production"
	KeyEnvStaging     KeyEnvironment = "staging"
	KeyEnvTest        KeyEnvironment = "test"
	KeyEnvDevelopment KeyEnvironment = "development"
)

// Valid reports whether e is a known key environment.
func (e KeyEnvironment) Valid() bool {
	switch e {
	case KeyEnvProduction, KeyEnvStaging, KeyEnvTest, KeyEnvDevelopment:
		return true
	}
	return false
}

// API key scopes.
const (
	ScopeIngest = "ingest"
	ScopeRead   = "read"
	ScopeAdmin  = "admin"
)

// KnownScope reports whether s is one of the defined scopes.
func KnownScope(s string) bool {
	return s == ScopeIngest || s == ScopeRead || s == ScopeAdmin
}

// APIKey is the stored form of a bearer credential. The raw key
// (al_{live|test}_<32 url-safe chars>) is shown once at creation; only its
// 16-character prefix and the SHA-256 of the full string are persisted.
type APIKey struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	Prefix      string         `json:"prefix"`
	SecretHash  string         `json:"-"`
	Name        string         `json:"name"`
	Scopes      []string       `json:"scopes"`
	Environment KeyEnvironment `json:"environment"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastUsedAt  *time.Time     `json:"lastUsedAt,omitempty"`
	RevokedAt   *time.Time     `json:"revokedAt,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// HasScope reports whether the key carries the scope, directly or via admin.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// CreateAPIKeyRequest carries the fields for minting a new key.
type CreateAPIKeyRequest struct {
	Name        string         `json:"name"`
	TenantID    string         `json:"tenantId,omitempty"`
	Scopes      []string       `json:"scopes,omitempty"`
	Environment KeyEnvironment `json:"environment,omitempty"`
}

// CreatedAPIKey is the creation response; RawKey is returned exactly once and
// never stored.
type CreatedAPIKey struct {
	APIKey
	RawKey string `json:"rawKey"`
}
