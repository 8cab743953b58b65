package postgres

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/invoice-router/internal/adapter/metrics"
)

type cacheEntry struct {
	isValid   bool
	expiresAt time.Time
}

// APIKeyRepository implements domain.APIKeyRepository for operator keys. Only
// SHA-256 hashes are stored; validations are cached in memory for a TTL.
type APIKeyRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	cache    map[string]cacheEntry
	mu       sync.RWMutex
	cacheTTL time.Duration
	metrics  *metrics.Metrics
}

func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.Metrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:       db,
		logger:   logger.With("component", "api_keys"),
		cache:    make(map[string]cacheEntry),
		cacheTTL: cacheTTL,
		metrics:  m,
	}
}

// IsValid checks the cache first and falls back to the database when the key
// is unknown or its entry expired.
func (r *APIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	hash := HashAPIKey(key)

	r.mu.RLock()
	entry, found := r.cache[hash]
	r.mu.RUnlock()

	if found && time.Now().Before(entry.expiresAt) {
		r.metrics.APIKeyLookup(true)
		return entry.isValid, nil
	}
	r.metrics.APIKeyLookup(false)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check in case another goroutine populated it while we waited.
	entry, found = r.cache[hash]
	if found && time.Now().Before(entry.expiresAt) {
		return entry.isValid, nil
	}

	var isValid bool
	query := `SELECT EXISTS(SELECT 1 FROM api_keys WHERE key_hash = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW()))`
	if err := r.db.QueryRowContext(ctx, query, hash).Scan(&isValid); err != nil {
		r.logger.Error("failed to validate API key in database", "error", err)
		// Errors are not cached; the next request asks the database again.
		return false, err
	}

	r.cache[hash] = cacheEntry{
		isValid:   isValid,
		expiresAt: time.Now().Add(r.cacheTTL),
	}
	return isValid, nil
}

// Create issues a new operator key and stores its hash. The plain key is
// only ever returned here.
func (r *APIKeyRepository) Create(ctx context.Context, name string, ttl time.Duration) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key := "irk_" + hex.EncodeToString(buf)

	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: time.Now().Add(ttl).UTC(), Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, name, expires_at) VALUES ($1, $2, $3)`,
		HashAPIKey(key), name, expires)
	if err != nil {
		return "", classify("create api key", err)
	}
	return key, nil
}

// HashAPIKey is the stored form of an operator key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
