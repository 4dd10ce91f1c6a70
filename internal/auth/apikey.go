package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Role is an API key's authorization level. Roles form a strict hierarchy:
// READONLY can only read task/run state, SERVICE can submit tasks and
// acknowledge webhooks, ADMIN can additionally manage API keys and force
// DLQ operations.
type Role string

const (
	RoleReadonly Role = "READONLY"
	RoleService  Role = "SERVICE"
	RoleAdmin    Role = "ADMIN"
)

var roleRank = map[Role]int{
	RoleReadonly: 0,
	RoleService:  1,
	RoleAdmin:    2,
}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// Satisfies reports whether a key with role r is permitted to perform an
// operation that requires at least the `required` role.
func (r Role) Satisfies(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// APIKey is the ledger-persisted row backing an authenticated identity.
// The raw key is never stored; only its SHA256 hash. Comparison against a
// presented key is always constant-time.
type APIKey struct {
	Name       string
	KeyHash    string
	Role       Role
	Active     bool
	ExpiresAt  *time.Time
	CreatedBy  string
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (k *APIKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Identity represents an authenticated caller.
type Identity struct {
	Subject string // "apikey:<name>"
	KeyName string
	Role    Role
}

// contextKey is used for storing Identity in context.
type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity adds an Identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context.
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// hashAPIKey returns the hex-encoded SHA256 hash of a plaintext key.
func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// generateAPIKey creates a random, high-entropy plaintext key with an
// "aur_" prefix so leaked keys are greppable in logs.
func generateAPIKey() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(err) // crypto/rand failing means the process cannot proceed safely
	}
	b := make([]byte, len(randomBytes))
	for i := range b {
		b[i] = charset[randomBytes[i]%byte(len(charset))]
	}
	return "aur_" + string(b)
}

// verifyAPIKey checks a plaintext key against a stored hash in constant time.
func verifyAPIKey(plaintext, hash string) bool {
	computed := hashAPIKey(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// APIKeyStore persists API keys in the durable ledger's api_keys table.
type APIKeyStore struct {
	pool *pgxpool.Pool
}

// NewAPIKeyStore creates a store bound to the ledger's connection pool.
func NewAPIKeyStore(pool *pgxpool.Pool) *APIKeyStore {
	return &APIKeyStore{pool: pool}
}

// Create mints a new API key, persists its hash, and returns the plaintext
// key exactly once. The plaintext is never recoverable afterward.
func (s *APIKeyStore) Create(ctx context.Context, name string, role Role, createdBy string, ttl time.Duration) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}

	key := generateAPIKey()
	keyHash := hashAPIKey(key)

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (name, key_hash, role, active, expires_at, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $5, now(), now())
	`, name, keyHash, string(role), expiresAt, createdBy)
	if err != nil {
		return "", fmt.Errorf("auth: create api key: %w", err)
	}

	return key, nil
}

// Authenticate resolves a presented plaintext key against the ledger,
// rejecting inactive or expired keys. It updates last_used_at on success.
func (s *APIKeyStore) Authenticate(ctx context.Context, presented string) (*Identity, error) {
	keyHash := hashAPIKey(presented)

	row := s.pool.QueryRow(ctx, `
		SELECT name, key_hash, role, active, expires_at
		FROM api_keys
		WHERE key_hash = $1
	`, keyHash)

	var (
		name, roleStr, storedHash string
		active                    bool
		expiresAt                 *time.Time
	)
	if err := row.Scan(&name, &storedHash, &roleStr, &active, &expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("auth: %w", errUnauthenticated)
		}
		return nil, fmt.Errorf("auth: lookup api key: %w", err)
	}

	if !verifyAPIKey(presented, storedHash) {
		return nil, fmt.Errorf("auth: %w", errUnauthenticated)
	}
	if !active {
		return nil, fmt.Errorf("auth: %w", errUnauthenticated)
	}
	if expiresAt != nil && time.Now().After(*expiresAt) {
		return nil, fmt.Errorf("auth: %w", errUnauthenticated)
	}

	if _, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE key_hash = $1`, keyHash); err != nil {
		// last_used_at is best-effort telemetry, not an auth decision.
		_ = err
	}

	return &Identity{
		Subject: "apikey:" + name,
		KeyName: name,
		Role:    Role(roleStr),
	}, nil
}

// Revoke deactivates an API key by name. Revocation is immediate; any
// in-flight request already past Authenticate is unaffected.
func (s *APIKeyStore) Revoke(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET active = false, updated_at = now() WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("auth: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("auth: api key not found: %s", name)
	}
	return nil
}

// Rotate creates a new key derived from name with a grace window during
// which both the old and new keys authenticate. The old key is named
// "<name>_rotated" and expires at overlap from now; the caller is expected
// to redistribute the returned plaintext and let the old key lapse.
func (s *APIKeyStore) Rotate(ctx context.Context, name string, overlap time.Duration) (string, error) {
	var roleStr, createdBy string
	row := s.pool.QueryRow(ctx, `SELECT role, created_by FROM api_keys WHERE name = $1 AND active`, name)
	if err := row.Scan(&roleStr, &createdBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("auth: api key not found or inactive: %s", name)
		}
		return "", fmt.Errorf("auth: rotate lookup: %w", err)
	}

	rotatedName := name + "_rotated"
	expiresAt := time.Now().Add(overlap)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: rotate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Retire the old row under a new name with a grace expiry instead of
	// deleting it outright, so in-flight holders of the old key keep
	// working until it naturally expires.
	if _, err := tx.Exec(ctx, `
		UPDATE api_keys SET name = $1, expires_at = $2, updated_at = now()
		WHERE name = $3
	`, rotatedName, expiresAt, name); err != nil {
		return "", fmt.Errorf("auth: rotate retire old key: %w", err)
	}

	newKey := generateAPIKey()
	newHash := hashAPIKey(newKey)
	if _, err := tx.Exec(ctx, `
		INSERT INTO api_keys (name, key_hash, role, active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, now(), now())
	`, name, newHash, roleStr, createdBy); err != nil {
		return "", fmt.Errorf("auth: rotate insert new key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("auth: rotate commit: %w", err)
	}

	return newKey, nil
}

// List returns every API key row (hash omitted from callers via APIKey's
// fields remaining internal to this package's presentation layer).
func (s *APIKeyStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, role, active, expires_at, created_by, last_used_at, created_at, updated_at
		FROM api_keys ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("auth: list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k := &APIKey{}
		var roleStr string
		if err := rows.Scan(&k.Name, &roleStr, &k.Active, &k.ExpiresAt, &k.CreatedBy, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("auth: scan api key row: %w", err)
		}
		k.Role = Role(roleStr)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

var errUnauthenticated = errors.New("invalid or inactive api key")

// APIKeyAuthenticator implements Authenticator against an APIKeyStore,
// extracting the presented key from either X-API-Key or an
// "Authorization: Bearer <key>" header.
type APIKeyAuthenticator struct {
	store *APIKeyStore
}

// NewAPIKeyAuthenticator wraps a store as an HTTP Authenticator.
func NewAPIKeyAuthenticator(store *APIKeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{store: store}
}

func extractPresentedKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) *Identity {
	key := extractPresentedKey(r)
	if key == "" {
		return nil
	}
	id, err := a.store.Authenticate(r.Context(), key)
	if err != nil {
		return nil
	}
	return id
}
