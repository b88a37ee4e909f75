package db

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/migadu/sievecore/sieve"
)

var errDuplicateContext = errors.New("db: message context does not carry an account id")

// accountIdentity is the narrower capability db.Check/Track needs: just
// which account's duplicate table to consult.
type accountIdentity interface {
	AccountID() int64
}

func dupHash(id string) []byte {
	sum := blake2b.Sum256([]byte(id))
	return sum[:]
}

// Check implements sieve.Capabilities.Duplicate.Check (§4.3's "duplicate"
// test): it reports whether p.ID has already been tracked for this
// account and is still within its TTL. The id is hashed before use as an
// index key since :uniqueid lets a script hand the engine an arbitrary,
// unboundedly long string.
func (db *Database) Check(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) (bool, error) {
	id, ok := ac.Message.(accountIdentity)
	if !ok {
		return false, errDuplicateContext
	}
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM duplicate_tracker
			WHERE account_id = $1 AND dup_hash = $2 AND expires_at > now()
		)
	`, id.AccountID(), dupHash(p.ID)).Scan(&exists)
	return exists, err
}

// Track records p.ID as seen for p.Seconds, implementing the duplicate
// test's non-:last form, which marks an id seen even when it wasn't
// previously a duplicate.
func (db *Database) Track(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) error {
	id, ok := ac.Message.(accountIdentity)
	if !ok {
		return errDuplicateContext
	}
	expires := time.Now().Add(p.Seconds)
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO duplicate_tracker (account_id, dup_hash, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, dup_hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`, id.AccountID(), dupHash(p.ID), expires)
	return err
}

// PurgeExpiredDuplicates removes expired rows; a host runs this
// periodically as housekeeping, same as CleanupOldVacationResponses.
func (db *Database) PurgeExpiredDuplicates(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM duplicate_tracker WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
