// Package auth implements the shared-secret handshake on the control connection.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/matst80/burrow/internal/proto"
)

var (
	ErrAuthFailed       = errors.New("auth: authentication failed")
	ErrHandshakeTimeout = errors.New("auth: handshake timeout")
	ErrUnexpected       = errors.New("auth: unexpected message during handshake")
)

// Verify compares token and expected in constant time.
func Verify(token, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// Verifier accepts any token from a configured pool.
type Verifier struct {
	tokens [][]byte
}

func NewVerifier(tokens ...string) *Verifier {
	v := &Verifier{}
	for _, t := range tokens {
		if t != "" {
			v.tokens = append(v.tokens, []byte(t))
		}
	}
	return v
}

// Open reports whether the pool is empty, in which case every token is accepted.
func (v *Verifier) Open() bool { return len(v.tokens) == 0 }

// Check compares against every pooled token so the time taken does not
// depend on which one matched.
func (v *Verifier) Check(token string) bool {
	if v.Open() {
		return true
	}
	ok := 0
	for _, t := range v.tokens {
		ok |= subtle.ConstantTimeCompare([]byte(token), t)
	}
	return ok == 1
}

// TokenPrefix marks tokens produced by GenerateToken.
const TokenPrefix = "burrow_"

// GenerateToken returns TokenPrefix followed by 16 random bytes in hex.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// Fingerprint identifies a token in logs without revealing it.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// ReadAuth waits up to timeout for the client's Auth frame and returns the
// presented token. The read deadline is cleared before returning.
func ReadAuth(conn net.Conn, rd *proto.Reader, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	m, err := rd.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", ErrHandshakeTimeout
		}
		return "", err
	}
	if m.Type != proto.TypeAuth {
		return "", fmt.Errorf("%w: %s", ErrUnexpected, m.Type)
	}
	return string(m.Payload), nil
}

// WriteResult answers an Auth frame.
func WriteResult(conn net.Conn, ok bool, sessionID string) error {
	return proto.WriteMessage(conn, proto.AuthResult{OK: ok, SessionID: sessionID}.Message())
}

// Login performs the client side of the handshake and returns the session id
// assigned by the server.
func Login(conn net.Conn, rd *proto.Reader, token string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}
	if err := proto.WriteMessage(conn, proto.Auth(token)); err != nil {
		return "", err
	}
	m, err := rd.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", ErrHandshakeTimeout
		}
		return "", err
	}
	if m.Type != proto.TypeAuthResult {
		return "", fmt.Errorf("%w: %s", ErrUnexpected, m.Type)
	}
	res, err := proto.ParseAuthResult(m)
	if err != nil {
		return "", err
	}
	if !res.OK {
		return "", ErrAuthFailed
	}
	return res.SessionID, nil
}
