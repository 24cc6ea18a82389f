package auth

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"mikrovm/internal/model"
)

// EnsureAdmin creates the named admin account if it does not exist yet. Used
// at startup so a fresh deployment has a user that can log in; an existing
// account is left untouched, including its password.
func EnsureAdmin(ctx context.Context, db *gorm.DB, username, password string) error {
	var existing model.User
	err := db.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	user := &model.User{
		Username:     username,
		PasswordHash: hash,
		Role:         "admin",
		Status:       model.UserStatusActive,
	}
	if err := db.WithContext(ctx).Create(user).Error; err != nil {
		// Lost a create race with another instance; the account exists now.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}
	return nil
}
