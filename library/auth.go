package library

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var errBadCredentials = newError(ErrNotAuthenticated, "invalid member id or password")

// AddMember registers a member with a bcrypt-hashed password.
func (lm *LibraryManager) AddMember(name, email, password string) (int64, error) {
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if name == "" || email == "" {
		return 0, newError(ErrInvalidInput, "name and email are required")
	}
	if strings.TrimSpace(password) == "" {
		return 0, newError(ErrInvalidInput, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	return lm.db.AddMember(name, email, string(hash))
}

func (lm *LibraryManager) GetMember(id int64) (*Member, error) { return lm.db.GetMember(id) }
func (lm *LibraryManager) GetAllMembers() ([]*Member, error)   { return lm.db.GetAllMembers() }

// AuthenticateMember verifies the password of memberID. Unknown members and
// wrong passwords fail the same way.
func (lm *LibraryManager) AuthenticateMember(memberID int64, password string) error {
	m, err := lm.db.GetMember(memberID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return errBadCredentials
		}
		return err
	}
	if m.PasswordHash == "" {
		return errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return errBadCredentials
	}
	return nil
}

// ResetMemberPassword replaces the member's password hash.
func (lm *LibraryManager) ResetMemberPassword(memberID int64, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return newError(ErrInvalidInput, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return lm.db.SetMemberPassword(memberID, string(hash))
}
