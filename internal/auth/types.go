package auth

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read schedules, traces, requests, and calibrations.
	RoleViewer Role = "viewer"

	// RoleOperator can also decide irrigation requests, give feedback,
	// set overrides, and run calibrations.
	RoleOperator Role = "operator"

	// RoleAdmin can also edit schedules and read the audit log.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid roles.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if the role is known.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Operator is a configured management API account.
type Operator struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // never serialised
	Role         Role   `json:"role"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrForbidden          = errors.New("insufficient permissions")
)

// Directory holds the configured operators. It is read-only after
// construction.
type Directory struct {
	operators map[string]Operator
}

// NewDirectory validates ops and indexes them by username.
func NewDirectory(ops []Operator) (*Directory, error) {
	d := &Directory{operators: make(map[string]Operator, len(ops))}
	for _, op := range ops {
		if !IsValidUsername(op.Username) {
			return nil, fmt.Errorf("operator %q: invalid username", op.Username)
		}
		if !IsValidRole(op.Role) {
			return nil, fmt.Errorf("operator %q: invalid role %q", op.Username, op.Role)
		}
		if _, err := parseHash(op.PasswordHash); err != nil {
			return nil, fmt.Errorf("operator %q: %w", op.Username, err)
		}
		if _, dup := d.operators[op.Username]; dup {
			return nil, fmt.Errorf("operator %q: declared twice", op.Username)
		}
		d.operators[op.Username] = op
	}
	return d, nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords both return ErrInvalidCredentials.
func (d *Directory) Authenticate(username, password string) (*Operator, error) {
	op, ok := d.operators[username]
	if !ok {
		// Burn comparable time so unknown users are not distinguishable.
		VerifyPassword(password, dummyHash) //nolint:errcheck // timing only
		return nil, ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, op.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password for %s: %w", username, err)
	}
	if !match {
		return nil, ErrInvalidCredentials
	}
	return &op, nil
}

// Len returns the number of configured operators.
func (d *Directory) Len() int {
	return len(d.operators)
}
