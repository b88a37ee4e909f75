package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	"golang.org/x/crypto/bcrypt"

	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/sieve"
)

// sqliteSchema mirrors migrations/0001_init.up.sql in SQLite's dialect:
// no BIGSERIAL, booleans stored as INTEGER, timestamps as TEXT.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS credentials (
	address    TEXT PRIMARY KEY,
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	password   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS credentials_account_id_idx ON credentials(account_id);

CREATE TABLE IF NOT EXISTS sieve_scripts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	script     TEXT NOT NULL,
	active     INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (account_id, name)
);

CREATE UNIQUE INDEX IF NOT EXISTS sieve_scripts_one_active_idx
	ON sieve_scripts (account_id) WHERE active;

CREATE TABLE IF NOT EXISTS vacation_responses (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	handle         TEXT NOT NULL,
	sender_address TEXT NOT NULL,
	response_date  TEXT NOT NULL,
	UNIQUE (account_id, handle, sender_address)
);

CREATE TABLE IF NOT EXISTS duplicate_tracker (
	account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	dup_hash   BLOB NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (account_id, dup_hash)
);

CREATE INDEX IF NOT EXISTS duplicate_tracker_expires_idx ON duplicate_tracker(expires_at);
`

// SQLiteDatabase is the zero-dependency alternative to Database for a
// single-node deployment that does not want to run Postgres (local
// development, a small install). It implements the same account,
// script-CRUD, vacation, and duplicate-tracking surface as Database so
// dispatch/interp and server/managesieve never know which backing store
// is active.
type SQLiteDatabase struct {
	conn *sql.DB
}

// NewSQLiteDatabase opens (creating if necessary) a SQLite database file
// at path and applies the schema.
func NewSQLiteDatabase(ctx context.Context, path string) (*SQLiteDatabase, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: apply sqlite schema: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping sqlite: %w", err)
	}
	log.Printf("opened sqlite store at %s", path)
	return &SQLiteDatabase{conn: conn}, nil
}

func (d *SQLiteDatabase) Close() {
	if d.conn != nil {
		d.conn.Close()
	}
}

func (d *SQLiteDatabase) Authenticate(ctx context.Context, address, password string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" {
		return 0, errors.New("address cannot be empty")
	}
	if password == "" {
		return 0, errors.New("password cannot be empty")
	}

	var accountID int64
	var hashed string
	err := d.conn.QueryRowContext(ctx, "SELECT account_id, password FROM credentials WHERE address = ?", normalized).
		Scan(&accountID, &hashed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("db: sqlite authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
		return 0, errors.New("invalid password")
	}
	return accountID, nil
}

func (d *SQLiteDatabase) CreateAccount(ctx context.Context, address, password string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" || password == "" {
		return 0, errors.New("address and password are required")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO accounts DEFAULT VALUES")
	if err != nil {
		return 0, err
	}
	accountID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO credentials (address, account_id, password) VALUES (?, ?, ?)",
		normalized, accountID, hashed); err != nil {
		return 0, err
	}
	return accountID, tx.Commit()
}

func (d *SQLiteDatabase) GetAccountIDByAddress(ctx context.Context, address string) (int64, error) {
	normalized := strings.ToLower(strings.TrimSpace(address))
	if normalized == "" {
		return 0, errors.New("address cannot be empty")
	}
	var accountID int64
	err := d.conn.QueryRowContext(ctx, "SELECT account_id FROM credentials WHERE address = ?", normalized).Scan(&accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, consts.ErrUserNotFound
		}
		return 0, fmt.Errorf("db: sqlite lookup account: %w", err)
	}
	return accountID, nil
}

func (d *SQLiteDatabase) GetUserScripts(ctx context.Context, userID int64) ([]*SieveScript, error) {
	rows, err := d.conn.QueryContext(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE account_id = ? ORDER BY name", userID)
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

func (d *SQLiteDatabase) GetScriptByName(ctx context.Context, name string, userID int64) (*SieveScript, error) {
	var s SieveScript
	err := d.conn.QueryRowContext(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE name = ? AND account_id = ?", name, userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Script, &s.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrScriptNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (d *SQLiteDatabase) GetActiveScript(ctx context.Context, userID int64) (*SieveScript, error) {
	var s SieveScript
	err := d.conn.QueryRowContext(ctx, "SELECT id, account_id, name, script, active FROM sieve_scripts WHERE account_id = ? AND active = 1", userID).
		Scan(&s.ID, &s.UserID, &s.Name, &s.Script, &s.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (d *SQLiteDatabase) TotalScriptBytes(ctx context.Context, userID int64) (int64, error) {
	var total int64
	err := d.conn.QueryRowContext(ctx, "SELECT COALESCE(SUM(length(script)), 0) FROM sieve_scripts WHERE account_id = ?", userID).Scan(&total)
	return total, err
}

func (d *SQLiteDatabase) PutScript(ctx context.Context, userID int64, name, script string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO sieve_scripts (account_id, name, script, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (account_id, name) DO UPDATE SET script = excluded.script, updated_at = datetime('now')
	`, userID, name, script)
	return err
}

func (d *SQLiteDatabase) DeleteScript(ctx context.Context, userID int64, name string) error {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM sieve_scripts WHERE account_id = ? AND name = ?", userID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return consts.ErrScriptNotFound
	}
	return nil
}

func (d *SQLiteDatabase) SetActiveScript(ctx context.Context, userID int64, name string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE sieve_scripts SET active = 0 WHERE account_id = ?", userID); err != nil {
		return err
	}
	if name != "" {
		res, err := tx.ExecContext(ctx, "UPDATE sieve_scripts SET active = 1 WHERE account_id = ? AND name = ?", userID, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return consts.ErrScriptNotFound
		}
	}
	return tx.Commit()
}

// Autorespond mirrors Database.Autorespond (db/vacation.go) against the
// sqlite schema.
func (d *SQLiteDatabase) Autorespond(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) (sieve.Status, error) {
	accountID, correspondent, err := vacationParties(ac)
	if err != nil {
		return sieve.InternalError, err
	}
	cutoff := time.Now().Add(-p.Period).UTC().Format(time.RFC3339)
	var exists bool
	err = d.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM vacation_responses
			WHERE account_id = ? AND handle = ? AND sender_address = ? AND response_date > ?
		)
	`, accountID, p.Handle, correspondent, cutoff).Scan(&exists)
	if err != nil {
		return sieve.InternalError, err
	}
	if exists {
		return sieve.Done, nil
	}
	return sieve.Ok, nil
}

// SendResponse mirrors Database.SendResponse against the sqlite schema.
func (d *SQLiteDatabase) SendResponse(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) error {
	accountID, correspondent, err := vacationParties(ac)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO vacation_responses (account_id, handle, sender_address, response_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, handle, sender_address) DO UPDATE SET response_date = excluded.response_date
	`, accountID, p.Handle, correspondent, now)
	return err
}

// Check mirrors Database.Check (db/duptrack.go) against the sqlite schema.
func (d *SQLiteDatabase) Check(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) (bool, error) {
	id, ok := ac.Message.(accountIdentity)
	if !ok {
		return false, errDuplicateContext
	}
	var exists bool
	err := d.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM duplicate_tracker
			WHERE account_id = ? AND dup_hash = ? AND expires_at > ?
		)
	`, id.AccountID(), dupHash(p.ID), time.Now().UTC().Format(time.RFC3339)).Scan(&exists)
	return exists, err
}

// Track mirrors Database.Track against the sqlite schema.
func (d *SQLiteDatabase) Track(ctx context.Context, ac sieve.ActionContext, p sieve.DuplicateParams) error {
	id, ok := ac.Message.(accountIdentity)
	if !ok {
		return errDuplicateContext
	}
	expires := time.Now().Add(p.Seconds).UTC().Format(time.RFC3339)
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO duplicate_tracker (account_id, dup_hash, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id, dup_hash) DO UPDATE SET expires_at = excluded.expires_at
	`, id.AccountID(), dupHash(p.ID), expires)
	return err
}
