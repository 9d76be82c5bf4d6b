package oidc

import "sync"

// Storage is the pluggable key/value store the Engine persists tokens and
// transient flow state into. Semantics follow the web storage contract:
// string keys, string values, absent keys read as not-ok. Implementations
// must be safe for concurrent use.
type Storage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string)
	RemoveItem(key string)
}

// Persisted storage keys. Exact names are part of the external interface;
// hosts may read them directly.
const (
	storageAccessToken         = "access_token"
	storageRefreshToken        = "refresh_token"
	storageIdToken             = "id_token"
	storageIdTokenClaimsObj    = "id_token_claims_obj"
	storageIdTokenExpiresAt    = "id_token_expires_at"
	storageIdTokenStoredAt     = "id_token_stored_at"
	storageAccessTokenStoredAt = "access_token_stored_at"
	storageExpiresAt           = "expires_at"
	storageGrantedScopes       = "granted_scopes"
	storageSessionState        = "session_state"
	storageNonce               = "nonce"
	storagePKCEVerifier        = "PKCE_verifier"
	storageRequestedRoute      = "requested_route"
)

// MemoryStorage is a Storage backed by an in-process map. It is the
// default when no Storage is injected and the storage used by most tests.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: map[string]string{}}
}

func (s *MemoryStorage) GetItem(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

func (s *MemoryStorage) SetItem(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

func (s *MemoryStorage) RemoveItem(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}
