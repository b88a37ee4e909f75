package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/sievecore/consts"
)

// SieveScript is a stored script row, the persistence-layer counterpart
// of sieve.Script (§3) before it has been parsed.
type SieveScript struct {
	ID       int64
	UserID   int64
	Name     string
	Script   string
	Active   bool
	SizeUsed int64
}

func (db *Database) GetUserScripts(ctx context.Context, userID int64) ([]*SieveScript, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE account_id = $1 ORDER BY name", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []*SieveScript
	for rows.Next() {
		var s SieveScript
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.Script, &s.Active); err != nil {
			return nil, err
		}
		s.SizeUsed = int64(len(s.Script))
		scripts = append(scripts, &s)
	}
	return scripts, rows.Err()
}

func (db *Database) GetScriptByName(ctx context.Context, name string, userID int64) (*SieveScript, error) {
	var s SieveScript
	err := db.Pool.QueryRow(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE name = $1 AND account_id = $2", name, userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Script, &s.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrScriptNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (db *Database) GetActiveScript(ctx context.Context, userID int64) (*SieveScript, error) {
	var s SieveScript
	err := db.Pool.QueryRow(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE account_id = $1 AND active = true", userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Script, &s.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}
	return &s, nil
}

// TotalScriptBytes sums the stored script sizes for an account, used by
// the HAVESPACE quota check (§10.4 C10).
func (db *Database) TotalScriptBytes(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := db.Pool.QueryRow(ctx, "SELECT COALESCE(SUM(length(script)), 0) FROM sieve_scripts WHERE account_id = $1", userID).Scan(&total)
	return total, err
}

// PutScript upserts a script by (account, name), implementing
// ManageSieve's PUTSCRIPT semantics.
func (db *Database) PutScript(ctx context.Context, userID int64, name, script string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sieve_scripts (account_id, name, script)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, name) DO UPDATE SET script = EXCLUDED.script, updated_at = now()
	`, userID, name, script)
	return err
}

func (db *Database) DeleteScript(ctx context.Context, userID int64, name string) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM sieve_scripts WHERE account_id = $1 AND name = $2", userID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrScriptNotFound
	}
	return nil
}

// SetActiveScript marks name as the single active script for the account,
// deactivating whatever was active before, matching ManageSieve's SETACTIVE.
// An empty name deactivates every script (SETACTIVE "").
func (db *Database) SetActiveScript(ctx context.Context, userID int64, name string) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE sieve_scripts SET active = false WHERE account_id = $1", userID); err != nil {
		return err
	}
	if name != "" {
		tag, err := tx.Exec(ctx, "UPDATE sieve_scripts SET active = true WHERE account_id = $1 AND name = $2", userID, name)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return consts.ErrScriptNotFound
		}
	}
	return tx.Commit(ctx)
}
