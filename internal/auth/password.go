package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/teampool/teampool-server/internal/models"
	"github.com/teampool/teampool-server/internal/storage"
)

// SettingAdminPasswordHash is the settings key holding the bcrypt hash of the
// admin password. Only the hash is ever persisted.
const SettingAdminPasswordHash = "admin_password_hash"

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// BootstrapAdminPassword ensures an admin password hash exists in settings.
// The configured plaintext seeds the hash only when none is stored yet, so a
// password changed through the API survives restarts.
func BootstrapAdminPassword(ctx context.Context, store storage.Store, password string) error {
	_, err := store.GetSetting(ctx, SettingAdminPasswordHash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load admin password hash: %w", err)
	}

	if password == "" {
		return fmt.Errorf("no admin password configured and none stored")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	err = store.SetSetting(ctx, &models.Setting{
		Key:         SettingAdminPasswordHash,
		Value:       hash,
		Description: "bcrypt hash of the admin password",
	})
	if err != nil {
		return fmt.Errorf("store admin password hash: %w", err)
	}

	log.Info().Msg("Admin password bootstrapped")
	return nil
}

// CheckAdminPassword verifies a login attempt against the stored hash
func CheckAdminPassword(ctx context.Context, store storage.Store, password string) (bool, error) {
	setting, err := store.GetSetting(ctx, SettingAdminPasswordHash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return VerifyPassword(password, setting.Value), nil
}
