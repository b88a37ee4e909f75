package db

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/sievecore/sieve"
)

var errVacationContext = errors.New("db: message context does not carry vacation identity")

// vacationIdentity is the minimal interface sieveengine's message context
// must satisfy for vacation persistence to work: which account owns the
// script, and who the reply would go to.
type vacationIdentity interface {
	VacationIdentity() (accountID int64, correspondent string)
}

// Autorespond implements the sieve.Capabilities.Vacation.Autorespond slot
// (§4.4): it checks whether a vacation reply to the current correspondent
// under p.Handle was already sent within p.Period, returning Done to
// suppress a repeat and Ok to let the dispatcher proceed to SendResponse.
func (db *Database) Autorespond(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) (sieve.Status, error) {
	accountID, correspondent, err := vacationParties(ac)
	if err != nil {
		return sieve.InternalError, err
	}

	cutoff := time.Now().Add(-p.Period)
	var exists bool
	err = db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM vacation_responses
			WHERE account_id = $1 AND handle = $2 AND sender_address = $3 AND response_date > $4
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

// SendResponse records that a vacation reply was sent, so the next
// Autorespond call within the period suppresses a repeat.
func (db *Database) SendResponse(ctx context.Context, ac sieve.ActionContext, p sieve.VacationParams) error {
	accountID, correspondent, err := vacationParties(ac)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO vacation_responses (account_id, handle, sender_address, response_date)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (account_id, handle, sender_address) DO UPDATE SET response_date = EXCLUDED.response_date
	`, accountID, p.Handle, correspondent)
	return err
}

func vacationParties(ac sieve.ActionContext) (accountID int64, correspondent string, err error) {
	mc, ok := ac.Message.(vacationIdentity)
	if !ok {
		return 0, "", errVacationContext
	}
	accountID, correspondent = mc.VacationIdentity()
	return accountID, correspondent, nil
}

// CleanupOldVacationResponses removes vacation response records older than
// the specified duration. A host runs this periodically; not wired to any
// capability, it is operational housekeeping.
func (db *Database) CleanupOldVacationResponses(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-olderThan)
	result, err := db.Pool.Exec(ctx, `DELETE FROM vacation_responses WHERE response_date < $1`, cutoffTime)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
