package consts

import "errors"

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrInternalError = errors.New("internal error")
	ErrNotPermitted  = errors.New("operation not permitted")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBQueryFailed             = errors.New("query failed")
	ErrDBInsertFailed            = errors.New("insert failed")
	ErrDBUpdateFailed            = errors.New("update failed")

	// ErrScriptNotFound is returned when a named script does not exist for an account.
	ErrScriptNotFound = errors.New("script not found")
	// ErrScriptExists reports a script-name collision. PutScript replaces an
	// existing script of the same name, so no store method returns it.
	ErrScriptExists = errors.New("script already exists")
	// ErrQuotaExceeded is returned when PUTSCRIPT would push an account over its
	// configured script storage quota (HAVESPACE, §10.4 C10).
	ErrQuotaExceeded = errors.New("quota exceeded")
)
