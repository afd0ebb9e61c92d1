package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/argon2"
)

func TestHashPassword_Verify(t *testing.T) {
	hash, err := HashPassword("tomato-vine-42")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=1$") {
		t.Errorf("hash = %q, want operator parameters", hash)
	}

	tests := []struct {
		password string
		want     bool
	}{
		{"tomato-vine-42", true},
		{"tomato-vine-43", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := VerifyPassword(tt.password, hash)
		if err != nil {
			t.Fatalf("VerifyPassword(%q) error = %v", tt.password, err)
		}
		if ok != tt.want {
			t.Errorf("VerifyPassword(%q) = %v, want %v", tt.password, ok, tt.want)
		}
	}
}

func TestHashPassword_FreshSaltPerHash(t *testing.T) {
	first, err := HashPassword("basil")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	second, err := HashPassword("basil")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if first == second {
		t.Error("two operators with the same password must not share a hash")
	}
}

func TestVerifyPassword_OtherCostParameters(t *testing.T) {
	// A hash made with cheaper settings still verifies.
	salt := []byte("grow-unit-salt!!")
	p := hashParams{memory: 8 * 1024, time: 1, threads: 2}
	hash := encodeHash(p, salt, argon2.IDKey([]byte("basil"), salt, p.time, p.memory, p.threads, keyLen))

	ok, err := VerifyPassword("basil", hash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !ok {
		t.Error("VerifyPassword() should use the parameters stored in the hash")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"empty", ""},
		{"plaintext password in config", "grower-pass"},
		{"bcrypt", "$2a$10$abcdefghijklmnopqrstuu5Lq8XsZ3y2Jc4bF4nM6hWm0Vq1oWm2e"},
		{"argon2i", "$argon2i$v=19$m=65536,t=3,p=1$c29tZXNhbHQ$AAAA"},
		{"missing key", "$argon2id$v=19$m=65536,t=3,p=1$c29tZXNhbHQ"},
		{"old version", "$argon2id$v=16$m=65536,t=3,p=1$c29tZXNhbHQ$AAAA"},
		{"zero passes", "$argon2id$v=19$m=65536,t=0,p=1$c29tZXNhbHQ$AAAA"},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=1$!!$AAAA"},
		{"empty key", "$argon2id$v=19$m=65536,t=3,p=1$c29tZXNhbHQ$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyPassword("grower-pass", tt.hash)
			if !errors.Is(err, ErrMalformedHash) {
				t.Errorf("VerifyPassword() error = %v, want ErrMalformedHash", err)
			}
		})
	}
}

func TestDummyHashMatchesOperatorCost(t *testing.T) {
	h, err := parseHash(dummyHash)
	if err != nil {
		t.Fatalf("parseHash(dummyHash) error = %v", err)
	}
	if h.params != operatorParams {
		t.Errorf("dummy hash params = %+v, want %+v", h.params, operatorParams)
	}
	if len(h.key) != keyLen {
		t.Errorf("dummy key length = %d, want %d", len(h.key), keyLen)
	}
}

func TestHashPassword_Empty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Error("HashPassword() should reject an empty password")
	}
}

func TestDirectory_Authenticate(t *testing.T) {
	hash, err := HashPassword("seedling")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	dir, err := NewDirectory([]Operator{{Username: "sam", PasswordHash: hash, Role: RoleOperator}})
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}

	op, err := dir.Authenticate("sam", "seedling")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if op.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", op.Role, RoleOperator)
	}

	if _, err := dir.Authenticate("sam", "weed"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := dir.Authenticate("alex", "seedling"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestNewDirectory_Validation(t *testing.T) {
	hash, err := HashPassword("seedling")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	tests := []struct {
		name string
		ops  []Operator
	}{
		{"bad username", []Operator{{Username: "sam smith", PasswordHash: hash, Role: RoleViewer}}},
		{"bad role", []Operator{{Username: "sam", PasswordHash: hash, Role: "owner"}}},
		{"bad hash", []Operator{{Username: "sam", PasswordHash: "plaintext", Role: RoleViewer}}},
		{"duplicate", []Operator{
			{Username: "sam", PasswordHash: hash, Role: RoleViewer},
			{Username: "sam", PasswordHash: hash, Role: RoleAdmin},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDirectory(tt.ops); err == nil {
				t.Error("NewDirectory() should fail")
			}
		})
	}
}
