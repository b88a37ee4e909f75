package managesieve

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// newTestSession wires a ManageSieveSession to one end of a pipe
// connection and mockDB to its server, returning the other end for the
// test to drive as a client would.
func newTestSession(mockDB *MockDatabase) (client net.Conn, session *ManageSieveSession, done chan struct{}) {
	clientConn, serverConn := NewPipeConn()

	mockServer := &ManageSieveServer{
		hostname:     "test.example.com",
		db:           mockDB,
		appCtx:       context.Background(),
		insecureAuth: true,
	}

	sessionCtx, sessionCancel := context.WithCancel(context.Background())
	var conn net.Conn = serverConn
	session = &ManageSieveSession{
		server: mockServer,
		conn:   &conn,
		reader: bufio.NewReader(serverConn),
		writer: bufio.NewWriter(serverConn),
		ctx:    sessionCtx,
		cancel: sessionCancel,
	}
	session.RemoteIP = serverConn.RemoteAddr().String()
	session.Protocol = "ManageSieve"
	session.Id = "test-session-id"
	session.HostName = mockServer.hostname

	done = make(chan struct{})
	go func() {
		session.handleConnection()
		close(done)
	}()
	return clientConn, session, done
}

func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	assert.NoError(t, err)
	return string(buf[:n])
}

func loginExpectOK(t *testing.T, conn net.Conn, mockDB *MockDatabase) {
	t.Helper()
	mockDB.On("Authenticate", mock.Anything, "user@example.com", "password123").Return(int64(123), nil).Once()
	assert.Equal(t, "+OK ManageSieve ready\r\n", readLine(t, conn))
	_, err := conn.Write([]byte("LOGIN user@example.com password123\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Authenticated\r\n", readLine(t, conn))
}

func logout(t *testing.T, conn net.Conn, done chan struct{}) {
	t.Helper()
	_, err := conn.Write([]byte("LOGOUT\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Goodbye\r\n", readLine(t, conn))
	<-done
	_, err = conn.Write([]byte("TEST\r\n"))
	assert.Error(t, err)
}

func TestManageSieveSessionLoginCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, session, done := newTestSession(mockDB)

	loginExpectOK(t, client, mockDB)
	assert.Equal(t, int64(123), session.UserID())
	assert.True(t, session.authenticated)

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionLoginUnknownUser(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)

	mockDB.On("Authenticate", mock.Anything, "nobody@example.com", "x").Return(int64(0), consts.ErrUserNotFound).Once()
	assert.Equal(t, "+OK ManageSieve ready\r\n", readLine(t, client))
	_, err := client.Write([]byte("LOGIN nobody@example.com x\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "-ERR Unknown user\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionListScriptsCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	scripts := []*db.SieveScript{
		{ID: 1, Name: "script1", Active: true},
		{ID: 2, Name: "script2", Active: false},
	}
	mockDB.On("GetUserScripts", mock.Anything, int64(123)).Return(scripts, nil).Once()

	_, err := client.Write([]byte("LISTSCRIPTS\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "\"script1\" ACTIVE\r\n\"script2\"\r\n+OK\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionGetScriptCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	script := &db.SieveScript{
		ID:     1,
		Name:   "myscript",
		Script: "require \"fileinto\";\nif header :contains \"Subject\" \"Important\" { fileinto \"INBOX.important\"; }\n",
		Active: true,
	}
	mockDB.On("GetScriptByName", mock.Anything, "myscript", int64(123)).Return(script, nil).Once()

	_, err := client.Write([]byte("GETSCRIPT myscript\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("+OK %d\r\n%s\r\n", len(script.Script), script.Script), readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionPutScriptCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	scriptContent := "require \"fileinto\";"
	mockDB.On("TotalScriptBytes", mock.Anything, int64(123)).Return(int64(0), nil).Once()
	mockDB.On("PutScript", mock.Anything, int64(123), "newscript", scriptContent).Return(nil).Once()

	_, err := client.Write([]byte("PUTSCRIPT newscript " + scriptContent + "\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Script stored\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionPutScriptInvalid(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	_, err := client.Write([]byte("PUTSCRIPT bad if true { \r\n"))
	assert.NoError(t, err)
	line := readLine(t, client)
	assert.Contains(t, line, "-ERR Script validation failed")

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionCheckScriptCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	_, err := client.Write([]byte("CHECKSCRIPT require \"fileinto\";\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Script is valid\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionHaveSpaceCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, session, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)
	session.server.quotaBytes = 1000

	mockDB.On("TotalScriptBytes", mock.Anything, int64(123)).Return(int64(500), nil).Once()

	_, err := client.Write([]byte("HAVESPACE newscript 100\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionHaveSpaceExceeded(t *testing.T) {
	mockDB := new(MockDatabase)
	client, session, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)
	session.server.quotaBytes = 1000

	mockDB.On("TotalScriptBytes", mock.Anything, int64(123)).Return(int64(950), nil).Once()

	_, err := client.Write([]byte("HAVESPACE newscript 100\r\n"))
	assert.NoError(t, err)
	line := readLine(t, client)
	assert.Contains(t, line, "-ERR")

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionSetActiveCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	script := &db.SieveScript{ID: 1, Name: "myscript", Active: false}
	mockDB.On("GetScriptByName", mock.Anything, "myscript", int64(123)).Return(script, nil).Once()
	mockDB.On("SetActiveScript", mock.Anything, int64(123), "myscript").Return(nil).Once()

	_, err := client.Write([]byte("SETACTIVE myscript\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Script activated\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionSetActiveEmptyDeactivatesAll(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	mockDB.On("SetActiveScript", mock.Anything, int64(123), "").Return(nil).Once()

	_, err := client.Write([]byte("SETACTIVE\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Script activated\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionDeleteScriptCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	mockDB.On("DeleteScript", mock.Anything, int64(123), "myscript").Return(nil).Once()

	_, err := client.Write([]byte("DELETESCRIPT myscript\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK Script deleted\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionNoopCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	_, err := client.Write([]byte("NOOP\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "+OK\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionLogoutCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)

	assert.Equal(t, "+OK ManageSieve ready\r\n", readLine(t, client))
	logout(t, client, done)
	mockDB.AssertExpectations(t)
}

func TestManageSieveSessionUnknownCommand(t *testing.T) {
	mockDB := new(MockDatabase)
	client, _, done := newTestSession(mockDB)
	loginExpectOK(t, client, mockDB)

	_, err := client.Write([]byte("UNKNOWN\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, "-ERR Unknown command\r\n", readLine(t, client))

	logout(t, client, done)
	mockDB.AssertExpectations(t)
}
