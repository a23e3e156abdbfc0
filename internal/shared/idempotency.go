package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyHeader carries client supplied request keys.
const IdempotencyHeader = "Idempotency-Key"

// MaxIdempotencyKeyLength bounds stored keys.
const MaxIdempotencyKeyLength = 128

var (
	// ErrIdempotencyConflict indicates the key was already used by the company.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrInvalidIdempotencyKey indicates an empty or oversized key.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")
)

// IdempotencyStore reserves request keys per company in table idempotency_keys. A key is
// claimed before a create request runs and released again when the request fails.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, now: time.Now}
}

// WithNow overrides the clock.
func (s *IdempotencyStore) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// NormalizeIdempotencyKey trims key and checks its length.
func NormalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > MaxIdempotencyKeyLength {
		return "", fmt.Errorf("%w: must be 1-%d characters", ErrInvalidIdempotencyKey, MaxIdempotencyKeyLength)
	}
	return key, nil
}

// CheckAndInsert claims key for the company. The module names the operation that used it.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, companyID int64, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	key, err := NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO idempotency_keys (company_id, key, module, created_at) VALUES ($1, $2, $3, $4)`,
		companyID, key, module, s.now())
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
		}
		return err
	}
	return nil
}

// Delete releases a claimed key.
func (s *IdempotencyStore) Delete(ctx context.Context, companyID int64, key string) error {
	if s == nil {
		return nil
	}
	key, err := NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE company_id=$1 AND key=$2`, companyID, key)
	return err
}

// Cleanup removes keys older than the retention window and reports how many were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
