package managesieve

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/golang-jwt/jwt/v5"
	"github.com/migadu/sievecore/consts"
	"github.com/migadu/sievecore/server"
	"github.com/migadu/sievecore/sieve"
)

// ManageSieveSession is one RFC 5804 connection: a line-oriented
// authenticate/list/get/put/setactive/delete/check/havespace command
// loop, the way the teacher's POP3/IMAP sessions are each a connection
// bound to one goroutine with its own buffered reader/writer.
type ManageSieveSession struct {
	server.Session
	mutex         sync.Mutex
	server        *ManageSieveServer
	conn          *net.Conn
	*server.User
	authenticated bool
	errorsCount   int
	ctx           context.Context
	cancel        context.CancelFunc

	reader *bufio.Reader
	writer *bufio.Writer
}

// Context returns the session's context.
func (s *ManageSieveSession) Context() context.Context {
	return s.ctx
}

func (s *ManageSieveSession) handleConnection() {
	defer s.Close()

	s.sendResponse("+OK ManageSieve ready\r\n")

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.Log("client dropped connection")
			} else {
				s.Log("read error: %v", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, " ", 3)
		command := strings.ToUpper(parts[0])

		switch command {
		case "LOGIN":
			if len(parts) < 3 {
				s.sendResponse("-ERR Syntax: LOGIN username password\r\n")
				continue
			}
			s.handleLogin(parts[1], parts[2])

		case "AUTHENTICATE":
			if len(parts) < 2 {
				s.sendResponse("-ERR Syntax: AUTHENTICATE mechanism [initial-response]\r\n")
				continue
			}
			initial := ""
			if len(parts) == 3 {
				initial = parts[2]
			}
			s.handleAuthenticate(parts[1], initial)

		case "LISTSCRIPTS":
			if !s.requireAuth() {
				continue
			}
			s.handleListScripts()

		case "GETSCRIPT":
			if !s.requireAuth() {
				continue
			}
			if len(parts) < 2 {
				s.sendResponse("-ERR Syntax: GETSCRIPT scriptName\r\n")
				continue
			}
			s.handleGetScript(parts[1])

		case "PUTSCRIPT":
			if !s.requireAuth() {
				continue
			}
			if len(parts) < 3 {
				s.sendResponse("-ERR Syntax: PUTSCRIPT scriptName scriptContent\r\n")
				continue
			}
			s.handlePutScript(parts[1], parts[2])

		case "CHECKSCRIPT":
			if !s.requireAuth() {
				continue
			}
			if len(parts) < 2 {
				s.sendResponse("-ERR Syntax: CHECKSCRIPT scriptContent\r\n")
				continue
			}
			content := parts[1]
			if len(parts) == 3 {
				content = parts[1] + " " + parts[2]
			}
			s.handleCheckScript(content)

		case "HAVESPACE":
			if !s.requireAuth() {
				continue
			}
			if len(parts) < 3 {
				s.sendResponse("-ERR Syntax: HAVESPACE scriptName size\r\n")
				continue
			}
			s.handleHaveSpace(parts[1], parts[2])

		case "SETACTIVE":
			if !s.requireAuth() {
				continue
			}
			name := ""
			if len(parts) >= 2 {
				name = parts[1]
			}
			s.handleSetActive(name)

		case "DELETESCRIPT":
			if !s.requireAuth() {
				continue
			}
			if len(parts) < 2 {
				s.sendResponse("-ERR Syntax: DELETESCRIPT scriptName\r\n")
				continue
			}
			s.handleDeleteScript(parts[1])

		case "NOOP":
			s.sendResponse("+OK\r\n")

		case "LOGOUT":
			s.sendResponse("+OK Goodbye\r\n")
			s.Close()
			return

		default:
			s.sendResponse("-ERR Unknown command\r\n")
		}
	}
}

// isTLS reports whether the underlying connection negotiated TLS, the
// gate LOGIN and AUTHENTICATE PLAIN check before accepting a password.
func (s *ManageSieveSession) isTLS() bool {
	_, ok := (*s.conn).(*tls.Conn)
	return ok
}

func (s *ManageSieveSession) requireAuth() bool {
	if !s.authenticated {
		s.sendResponse("-ERR Not authenticated\r\n")
		return false
	}
	return true
}

func (s *ManageSieveSession) sendResponse(response string) {
	s.writer.WriteString(response)
	s.writer.Flush()
}

func (s *ManageSieveSession) handleLogin(username, password string) {
	if !s.server.insecureAuth && !s.isTLS() {
		s.sendResponse("-ERR LOGIN requires TLS\r\n")
		return
	}

	address, err := server.NewAddress(username)
	if err != nil {
		s.Log("error: %v", err)
		s.sendResponse("-ERR Invalid username\r\n")
		return
	}

	userID, err := s.server.db.Authenticate(s.Context(), address.FullAddress(), password)
	if err != nil {
		if err == consts.ErrUserNotFound {
			s.sendResponse("-ERR Unknown user\r\n")
			return
		}
		s.sendResponse("-ERR Authentication failed\r\n")
		return
	}
	s.User = server.NewUser(address, userID)
	s.Log("authenticated")
	s.authenticated = true
	s.sendResponse("+OK Authenticated\r\n")
}

// stripQuotes removes a single pair of surrounding double quotes, the way
// ManageSieve's <string> literals are framed on the wire; it is a no-op on
// an already-bare token.
func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// handleAuthenticate implements RFC 5804 §2.3's AUTHENTICATE as an
// alternative to plaintext LOGIN. Only the single-initial-response form is
// supported, since every client this front door targets sends one.
func (s *ManageSieveSession) handleAuthenticate(mechanism, initialResponse string) {
	switch strings.ToUpper(stripQuotes(mechanism)) {
	case "PLAIN":
		s.authenticatePlain(stripQuotes(initialResponse))
	case "OAUTHBEARER":
		s.authenticateOAuthBearer(stripQuotes(initialResponse))
	default:
		s.sendResponse("-ERR Unsupported SASL mechanism\r\n")
	}
}

// authenticatePlain runs the SASL PLAIN exchange through go-sasl's server
// mechanism, reusing the same db.Authenticate password check LOGIN uses.
func (s *ManageSieveSession) authenticatePlain(initialResponse string) {
	if !s.server.insecureAuth && !s.isTLS() {
		s.sendResponse("-ERR AUTHENTICATE PLAIN requires TLS\r\n")
		return
	}
	if initialResponse == "" {
		s.sendResponse("-ERR Syntax: AUTHENTICATE \"PLAIN\" initial-response\r\n")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(initialResponse)
	if err != nil {
		s.sendResponse("-ERR Invalid base64 initial response\r\n")
		return
	}

	var address server.Address
	var userID int64
	var authErr error
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		addr, err := server.NewAddress(username)
		if err != nil {
			authErr = err
			return err
		}
		uid, err := s.server.db.Authenticate(s.Context(), addr.FullAddress(), password)
		if err != nil {
			authErr = err
			return err
		}
		address, userID = addr, uid
		return nil
	})

	if _, _, err := srv.Next(raw); err != nil {
		if authErr == consts.ErrUserNotFound {
			s.sendResponse("-ERR Unknown user\r\n")
			return
		}
		s.sendResponse("-ERR Authentication failed\r\n")
		return
	}

	s.User = server.NewUser(address, userID)
	s.Log("authenticated via PLAIN")
	s.authenticated = true
	s.sendResponse("+OK Authenticated\r\n")
}

// authenticateOAuthBearer lets automated script-deployment clients (a CI
// job pushing a new script) log in with a signed JWT instead of a stored
// password, verified with the server's configured key the same way
// scriptsource.VerifyNamespace checks remote-include tokens.
func (s *ManageSieveSession) authenticateOAuthBearer(initialResponse string) {
	if s.server.jwtKey == nil {
		s.sendResponse("-ERR OAUTHBEARER not configured\r\n")
		return
	}
	if !s.server.insecureAuth && !s.isTLS() {
		s.sendResponse("-ERR AUTHENTICATE OAUTHBEARER requires TLS\r\n")
		return
	}
	if initialResponse == "" {
		s.sendResponse("-ERR Syntax: AUTHENTICATE \"OAUTHBEARER\" initial-response\r\n")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(initialResponse)
	if err != nil {
		s.sendResponse("-ERR Invalid base64 initial response\r\n")
		return
	}

	var address server.Address
	var userID int64
	var authErr error
	srv := sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
		addr, err := server.NewAddress(opts.Username)
		if err != nil {
			authErr = err
			return &sasl.OAuthBearerError{Status: "invalid_request"}
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(opts.Token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.server.jwtKey, nil
		})
		if err != nil || !token.Valid {
			authErr = fmt.Errorf("invalid token")
			return &sasl.OAuthBearerError{Status: "invalid_token"}
		}
		uid, err := s.server.db.GetAccountIDByAddress(s.Context(), addr.FullAddress())
		if err != nil {
			authErr = err
			return &sasl.OAuthBearerError{Status: "invalid_token"}
		}
		address, userID = addr, uid
		return nil
	})

	if _, _, err := srv.Next(raw); err != nil {
		if authErr == consts.ErrUserNotFound {
			s.sendResponse("-ERR Unknown user\r\n")
			return
		}
		s.sendResponse("-ERR Authentication failed\r\n")
		return
	}

	s.User = server.NewUser(address, userID)
	s.Log("authenticated via OAUTHBEARER")
	s.authenticated = true
	s.sendResponse("+OK Authenticated\r\n")
}

func (s *ManageSieveSession) handleListScripts() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	scripts, err := s.server.db.GetUserScripts(s.Context(), s.UserID())
	if err != nil {
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}

	if len(scripts) == 0 {
		s.sendResponse("+OK\r\n")
		return
	}

	var b strings.Builder
	for _, script := range scripts {
		if script.Active {
			fmt.Fprintf(&b, "%q ACTIVE\r\n", script.Name)
		} else {
			fmt.Fprintf(&b, "%q\r\n", script.Name)
		}
	}
	b.WriteString("+OK\r\n")
	s.sendResponse(b.String())
}

func (s *ManageSieveSession) handleGetScript(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	script, err := s.server.db.GetScriptByName(s.Context(), name, s.UserID())
	if err != nil {
		s.sendResponse("-ERR No such script\r\n")
		return
	}
	s.sendResponse(fmt.Sprintf("+OK %d\r\n%s\r\n", len(script.Script), script.Script))
}

// handlePutScript validates content as a complete script (validateScript,
// so an unknown "require" is caught before storage) and, if it parses
// clean, checks the quota and stores it. The quota check against the
// account's current total enforces HAVESPACE-style storage limits on
// PUTSCRIPT itself, not only on the advisory HAVESPACE command.
func (s *ManageSieveSession) handlePutScript(name, content string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := s.validateScript(content); err != nil {
		s.sendResponse(fmt.Sprintf("-ERR Script validation failed: %v\r\n", err))
		return
	}

	used, err := s.server.db.TotalScriptBytes(s.Context(), s.UserID())
	if err != nil {
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}
	if s.server.quotaBytes > 0 && used+int64(len(content)) > s.server.quotaBytes {
		s.sendResponse("-ERR Quota exceeded\r\n")
		return
	}

	if err := s.server.db.PutScript(s.Context(), s.UserID(), name, content); err != nil {
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}
	s.sendResponse("+OK Script stored\r\n")
}

// handleCheckScript validates script syntax without storing it (RFC 5804
// §2.7).
func (s *ManageSieveSession) handleCheckScript(content string) {
	if err := s.validateScript(content); err != nil {
		s.sendResponse(fmt.Sprintf("-ERR %v\r\n", err))
		return
	}
	s.sendResponse("+OK Script is valid\r\n")
}

// handleHaveSpace answers whether the account has room for a script of
// the given size without writing anything (RFC 5804 §2.9).
func (s *ManageSieveSession) handleHaveSpace(name, sizeStr string) {
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		s.sendResponse("-ERR Syntax: HAVESPACE scriptName size\r\n")
		return
	}
	if s.server.quotaBytes <= 0 {
		s.sendResponse("+OK\r\n")
		return
	}
	used, err := s.server.db.TotalScriptBytes(s.Context(), s.UserID())
	if err != nil {
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}
	if used+size > s.server.quotaBytes {
		s.sendResponse(fmt.Sprintf("-ERR %v\r\n", consts.ErrQuotaExceeded))
		return
	}
	s.sendResponse("+OK\r\n")
}

// validateScript implements CHECKSCRIPT (and PUTSCRIPT's pre-storage
// check) directly on sieve.ParseOnly's disposable non-executing
// interpreter, so there is no separate validation code path to drift out
// of sync with what the real engine accepts.
func (s *ManageSieveSession) validateScript(content string) error {
	parsed, err := sieve.ParseOnly(strings.NewReader(content))
	if err != nil {
		return err
	}
	if parsed.HasErrors() {
		return fmt.Errorf("%s", parsed.ErrorString())
	}
	return nil
}

func (s *ManageSieveSession) handleSetActive(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if name != "" {
		if _, err := s.server.db.GetScriptByName(s.Context(), name, s.UserID()); err != nil {
			if err == consts.ErrScriptNotFound || err == consts.ErrDBNotFound {
				s.sendResponse("-ERR No such script\r\n")
				return
			}
			s.sendResponse("-ERR Internal server error\r\n")
			return
		}
	}

	if err := s.server.db.SetActiveScript(s.Context(), s.UserID(), name); err != nil {
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}
	s.sendResponse("+OK Script activated\r\n")
}

func (s *ManageSieveSession) handleDeleteScript(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := s.server.db.DeleteScript(s.Context(), s.UserID(), name)
	if err != nil {
		if err == consts.ErrScriptNotFound || err == consts.ErrDBNotFound {
			s.sendResponse("-ERR No such script\r\n")
			return
		}
		s.sendResponse("-ERR Internal server error\r\n")
		return
	}
	s.sendResponse("+OK Script deleted\r\n")
}

func (s *ManageSieveSession) Close() error {
	(*s.conn).Close()
	if s.User != nil {
		s.Log("closed")
		s.User = nil
		s.Id = ""
		s.authenticated = false
		if s.cancel != nil {
			s.cancel()
		}
	}
	return nil
}
