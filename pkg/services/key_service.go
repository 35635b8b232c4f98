package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/models"
	"github.com/agentlens/agentlens/pkg/storage"
)

const (
	keyPrefixLen  = 16
	keySecretLen  = 24 // 24 random bytes encode to 32 url-safe characters
	keyLivePrefix = "al_live_"
	keyTestPrefix = "al_test_"
)

// KeyService mints and authenticates API keys. Raw keys are never stored:
// authentication looks up the 16-character prefix and compares SHA-256
// digests in constant time. Successful lookups are cached for a short TTL so
// the hot path does not hit storage on every request.
type KeyService struct {
	store storage.Store
	cfg   config.AuthConfig
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey // prefix -> entry
}

type cachedKey struct {
	key     *models.APIKey
	expires time.Time
}

// NewKeyService wires key management and authentication.
func NewKeyService(store storage.Store, cfg config.AuthConfig) *KeyService {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	cfg.CacheTTL = ttl
	return &KeyService{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]cachedKey),
	}
}

// Create mints a key for the tenant and returns it with the raw secret,
// which is shown exactly once. Omitted scopes default to ingest+read.
func (s *KeyService) Create(ctx context.Context, tenant string, req *models.CreateAPIKeyRequest) (*models.CreatedAPIKey, error) {
	if req.Name == "" {
		return nil, invalid(models.NewValidationError("name", "is required"))
	}
	env := req.Environment
	if env == "" {
		env = models.KeyEnvProduction
	}
	if !env.Valid() {
		return nil, invalid(models.NewValidationError("environment", fmt.Sprintf("unknown environment %q", env)))
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{models.ScopeIngest, models.ScopeRead}
	}
	for _, scope := range scopes {
		if !models.KnownScope(scope) {
			return nil, invalid(models.NewValidationError("scopes", fmt.Sprintf("unknown scope %q", scope)))
		}
	}

	raw, err := mintRawKey(env)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	key := &models.APIKey{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		Prefix:      raw[:keyPrefixLen],
		SecretHash:  hashKey(raw),
		Name:        req.Name,
		Scopes:      scopes,
		Environment: env,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, mapStorageError(err)
	}
	return &models.CreatedAPIKey{APIKey: *key, RawKey: raw}, nil
}

// List returns the tenant's keys, revoked ones included.
func (s *KeyService) List(ctx context.Context, tenant string) ([]*models.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, tenant)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return keys, nil
}

// Revoke disables a key immediately and evicts any cached copy so the next
// request with it fails authentication.
func (s *KeyService) Revoke(ctx context.Context, tenant, id string) error {
	if err := s.store.RevokeAPIKey(ctx, tenant, id, s.now().UTC().Truncate(time.Microsecond)); err != nil {
		return mapStorageError(err)
	}
	s.mu.Lock()
	for prefix, entry := range s.cache {
		if entry.key.ID == id {
			delete(s.cache, prefix)
		}
	}
	s.mu.Unlock()
	return nil
}

// Authenticate resolves a raw bearer key to its stored record. Any failure
// mode (malformed, unknown, wrong secret, revoked) reports the same
// ErrUnauthenticated so callers cannot probe for valid prefixes.
func (s *KeyService) Authenticate(ctx context.Context, raw string) (*models.APIKey, error) {
	if len(raw) <= keyPrefixLen || (!strings.HasPrefix(raw, keyLivePrefix) && !strings.HasPrefix(raw, keyTestPrefix)) {
		return nil, fmt.Errorf("%w: malformed API key", ErrUnauthenticated)
	}
	prefix := raw[:keyPrefixLen]

	key, cached := s.cachedByPrefix(prefix)
	if !cached {
		var err error
		key, err = s.store.Admin().GetAPIKeyByPrefix(ctx, prefix)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown API key", ErrUnauthenticated)
			}
			return nil, fmt.Errorf("failed to look up API key: %w", err)
		}
	}

	if subtle.ConstantTimeCompare([]byte(hashKey(raw)), []byte(key.SecretHash)) != 1 {
		return nil, fmt.Errorf("%w: invalid API key", ErrUnauthenticated)
	}
	if key.Revoked() {
		return nil, fmt.Errorf("%w: API key has been revoked", ErrUnauthenticated)
	}

	if !cached {
		s.mu.Lock()
		s.cache[prefix] = cachedKey{key: key, expires: s.now().Add(s.cfg.CacheTTL)}
		s.mu.Unlock()
	}

	// Usage tracking is best effort; a write failure must not fail the
	// request it authenticates.
	if err := s.store.Admin().TouchAPIKey(ctx, key.ID, s.now().UTC().Truncate(time.Microsecond)); err != nil {
		slog.Debug("failed to record API key usage", "key", key.ID, "error", err)
	}
	return key, nil
}

// Seed inserts a bootstrap admin key when the store holds no keys at all,
// letting a fresh deployment authenticate its first request. The raw key
// comes from configuration and must already carry the key format.
func (s *KeyService) Seed(ctx context.Context) error {
	if s.cfg.SeedKey == "" {
		return nil
	}
	count, err := s.store.Admin().CountAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to count API keys: %w", err)
	}
	if count > 0 {
		return nil
	}
	raw := s.cfg.SeedKey
	if len(raw) <= keyPrefixLen || (!strings.HasPrefix(raw, keyLivePrefix) && !strings.HasPrefix(raw, keyTestPrefix)) {
		return fmt.Errorf("%w: seed key must look like al_live_... or al_test_...", ErrInvalidInput)
	}
	tenant := s.cfg.SeedTenant
	if tenant == "" {
		tenant = storage.DefaultTenant
	}
	key := &models.APIKey{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		Prefix:      raw[:keyPrefixLen],
		SecretHash:  hashKey(raw),
		Name:        "seed admin key",
		Scopes:      []string{models.ScopeAdmin},
		Environment: models.KeyEnvProduction,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return mapStorageError(err)
	}
	slog.Info("seeded bootstrap admin key", "tenant", tenant, "prefix", key.Prefix)
	return nil
}

func (s *KeyService) cachedByPrefix(prefix string) (*models.APIKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[prefix]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expires) {
		delete(s.cache, prefix)
		return nil, false
	}
	return entry.key, true
}

// mintRawKey builds al_{live|test}_<32 url-safe chars>. Test and development
// keys carry the test marker so they are recognisable in logs and configs.
func mintRawKey(env models.KeyEnvironment) (string, error) {
	secret := make([]byte, keySecretLen)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	marker := keyLivePrefix
	if env == models.KeyEnvTest || env == models.KeyEnvDevelopment {
		marker = keyTestPrefix
	}
	return marker + base64.RawURLEncoding.EncodeToString(secret), nil
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
