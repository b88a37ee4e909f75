package managesieve

import (
	"context"

	"github.com/migadu/sievecore/db"
)

// DBer is the database surface ManageSieve needs: authentication and
// script CRUD. db.Database satisfies it; tests substitute a mock.
type DBer interface {
	Authenticate(ctx context.Context, address, password string) (int64, error)
	GetAccountIDByAddress(ctx context.Context, address string) (int64, error)
	GetUserScripts(ctx context.Context, userID int64) ([]*db.SieveScript, error)
	GetActiveScript(ctx context.Context, userID int64) (*db.SieveScript, error)
	GetScriptByName(ctx context.Context, name string, userID int64) (*db.SieveScript, error)
	TotalScriptBytes(ctx context.Context, userID int64) (int64, error)
	PutScript(ctx context.Context, userID int64, name, script string) error
	SetActiveScript(ctx context.Context, userID int64, name string) error
	DeleteScript(ctx context.Context, userID int64, name string) error
	Close()
}
