package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares plaintext password with stored hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

type account struct {
	role string
	hash string
}

// Directory holds the operator accounts allowed to log in.
type Directory struct {
	accounts map[string]account
}

// ParseDirectory reads entries of the form "user:role:bcrypt-hash".
func ParseDirectory(entries []string) (*Directory, error) {
	d := &Directory{accounts: make(map[string]account, len(entries))}
	for i, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("user entry %d: want user:role:hash", i)
		}
		user := strings.TrimSpace(parts[0])
		role := strings.ToLower(strings.TrimSpace(parts[1]))
		if user == "" || !KnownRole(role) || parts[2] == "" {
			return nil, fmt.Errorf("user entry %d: invalid user or role", i)
		}
		if _, dup := d.accounts[user]; dup {
			return nil, fmt.Errorf("user entry %d: duplicate user %q", i, user)
		}
		d.accounts[user] = account{role: role, hash: parts[2]}
	}
	return d, nil
}

// Len reports the number of accounts.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.accounts)
}

// Login checks a password and returns the matching principal.
func (d *Directory) Login(user, password string) (Principal, error) {
	if d == nil {
		return Principal{}, ErrInvalidCredentials
	}
	acc, ok := d.accounts[strings.TrimSpace(user)]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(acc.hash, password); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{UserID: strings.TrimSpace(user), Roles: []string{acc.role}}, nil
}
