package managesieve

import (
	"context"
	"testing"

	"github.com/migadu/sievecore/db"
	"github.com/stretchr/testify/mock"
)

// TestManageSieveIntegration drives the DBer surface directly through a
// login/create/activate/delete lifecycle, the way a ManageSieve client
// would over a sequence of connections.
func TestManageSieveIntegration(t *testing.T) {
	mockDB := new(MockDatabase)

	testScript := &db.SieveScript{
		ID:     1,
		Name:   "test-script",
		Script: "require \"fileinto\";\nif header :contains \"subject\" \"important\" {\n  fileinto \"Important\";\n} else {\n  keep;\n}",
	}

	mockDB.On("Authenticate", mock.Anything, "user@example.com", "password").Return(int64(123), nil)
	mockDB.On("GetUserScripts", mock.Anything, int64(123)).Return([]*db.SieveScript{}, nil)
	mockDB.On("TotalScriptBytes", mock.Anything, int64(123)).Return(int64(0), nil)
	mockDB.On("PutScript", mock.Anything, int64(123), "test-script", mock.Anything).Return(nil)
	mockDB.On("GetScriptByName", mock.Anything, "test-script", int64(123)).Return(testScript, nil)
	mockDB.On("SetActiveScript", mock.Anything, int64(123), "test-script").Return(nil)
	mockDB.On("DeleteScript", mock.Anything, int64(123), "test-script").Return(nil)

	ctx := context.Background()

	userID, err := mockDB.Authenticate(ctx, "user@example.com", "password")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != 123 {
		t.Fatalf("expected user ID 123, got %d", userID)
	}

	scripts, err := mockDB.GetUserScripts(ctx, userID)
	if err != nil {
		t.Fatalf("list scripts: %v", err)
	}
	if len(scripts) != 0 {
		t.Fatalf("expected 0 scripts, got %d", len(scripts))
	}

	scriptName := "test-script"
	scriptContent := testScript.Script

	used, err := mockDB.TotalScriptBytes(ctx, userID)
	if err != nil || used != 0 {
		t.Fatalf("total bytes: %v (used=%d)", err, used)
	}
	if err := mockDB.PutScript(ctx, userID, scriptName, scriptContent); err != nil {
		t.Fatalf("put script: %v", err)
	}

	retrieved, err := mockDB.GetScriptByName(ctx, scriptName, userID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if retrieved.ID != 1 || retrieved.Name != scriptName {
		t.Fatalf("retrieved script with unexpected values: %+v", retrieved)
	}

	if err := mockDB.SetActiveScript(ctx, userID, scriptName); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := mockDB.DeleteScript(ctx, userID, scriptName); err != nil {
		t.Fatalf("delete script: %v", err)
	}

	mockDB.AssertExpectations(t)
}
