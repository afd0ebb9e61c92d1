package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned for an operator password_hash that is not an
// Argon2id PHC string.
var ErrMalformedHash = errors.New("malformed password hash")

// hashParams are the Argon2id cost settings encoded into every hash.
type hashParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
}

// operatorParams is what `growlogic -hash-password` produces: 64 MiB, three
// passes, one lane. A controller on a small board verifies one login in well
// under a second at these settings.
var operatorParams = hashParams{memory: 64 * 1024, time: 3, threads: 1}

const (
	saltLen = 16
	keyLen  = 32
)

// dummyHash has operatorParams so a login for an unknown operator costs the
// same as one for a known operator.
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=1$c29tZXNhbHRzb21lc2FsdA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// HashPassword returns the Argon2id PHC string for an operator password,
// ready for security.operators[].password_hash:
//
//	$argon2id$v=19$m=65536,t=3,p=1$<salt>$<key>
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	p := operatorParams
	key := argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, keyLen)
	return encodeHash(p, salt, key), nil
}

// VerifyPassword reports whether password matches an operator's stored hash.
// The hash's own parameters are used, so hashes made with older settings
// keep working.
func VerifyPassword(password, encoded string) (bool, error) {
	h, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), h.salt, h.params.time, h.params.memory, h.params.threads, uint32(len(h.key))) //nolint:gosec // G115: key length fits uint32
	return subtle.ConstantTimeCompare(h.key, got) == 1, nil
}

type storedHash struct {
	params hashParams
	salt   []byte
	key    []byte
}

func encodeHash(p hashParams, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// parseHash splits "$argon2id$v=..$m=..,t=..,p=..$salt$key". NewDirectory
// runs it over every configured operator so a bad hash fails at startup
// instead of at first login.
func parseHash(encoded string) (*storedHash, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" { //nolint:mnd // leading empty field plus five PHC fields
		return nil, fmt.Errorf("%w: want 5 $-separated fields", ErrMalformedHash)
	}
	if fields[1] != "argon2id" {
		return nil, fmt.Errorf("%w: algorithm %q, want argon2id", ErrMalformedHash, fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, fields[2])
	}

	var h storedHash
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &h.params.memory, &h.params.time, &h.params.threads); err != nil {
		return nil, fmt.Errorf("%w: parameters %q", ErrMalformedHash, fields[3])
	}
	if h.params.memory == 0 || h.params.time == 0 || h.params.threads == 0 {
		return nil, fmt.Errorf("%w: zero cost parameter in %q", ErrMalformedHash, fields[3])
	}

	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(fields[4]); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err) //nolint:errorlint // base64 detail only
	}
	if h.key, err = base64.RawStdEncoding.DecodeString(fields[5]); err != nil || len(h.key) == 0 {
		return nil, fmt.Errorf("%w: key is not base64", ErrMalformedHash)
	}
	return &h, nil
}
