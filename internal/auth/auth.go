// Package auth defines the authentication collaborator interface the
// transport consumes. Token issuance and validation policy live outside
// this system; the server only needs a validator implementation injected
// at startup.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrInvalidToken is returned for unknown or malformed tokens.
var ErrInvalidToken = errors.New("invalid token")

// UserIdentity is the validated principal behind a token.
type UserIdentity struct {
	UserID string
}

// Validator validates bearer tokens presented during the websocket
// handshake.
type Validator interface {
	Validate(token string) (UserIdentity, error)
}

// StaticValidator validates tokens against a fixed token-to-user map
// loaded from a file. Suitable for standalone deployments; production
// setups inject their own Validator.
type StaticValidator struct {
	tokens map[string]string // token -> user ID
	mu     sync.RWMutex
}

// NewStaticValidator creates a validator from an in-memory map.
func NewStaticValidator(tokens map[string]string) *StaticValidator {
	if tokens == nil {
		tokens = make(map[string]string)
	}
	return &StaticValidator{tokens: tokens}
}

// LoadStaticValidator reads a token file with one "token user_id" pair per
// line. Blank lines and lines starting with # are skipped.
func LoadStaticValidator(path string) (*StaticValidator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	defer f.Close()

	tokens := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed token file line: %q", line)
		}
		tokens[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	return &StaticValidator{tokens: tokens}, nil
}

// Validate implements Validator.
func (v *StaticValidator) Validate(token string) (UserIdentity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	userID, ok := v.tokens[token]
	if !ok {
		return UserIdentity{}, ErrInvalidToken
	}
	return UserIdentity{UserID: userID}, nil
}

// Add registers a token at runtime.
func (v *StaticValidator) Add(token, userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = userID
}
