package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/duochat/internal/domain"
)

const (
	keyToken           = "token"
	keyUserID          = "user_id"
	keyLastCounterpart = "last_counterpart"
)

// ErrNoCredentials means no usable token and user id are stored. The chat
// core stays disabled until the user logs in.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials are the auth token and numeric user id of the logged-in account.
type Credentials struct {
	Token  string
	UserID domain.UserID
}

// Setting returns the value for key, or "" when unset.
func (db *DB) Setting(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %q: %w", key, err)
	}
	return v, nil
}

// SetSetting stores value under key.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}

// LoadCredentials reads the stored token and user id. A missing token or a
// user id that is not a positive integer yields ErrNoCredentials.
func (db *DB) LoadCredentials() (Credentials, error) {
	token, err := db.Setting(keyToken)
	if err != nil {
		return Credentials{}, err
	}
	raw, err := db.Setting(keyUserID)
	if err != nil {
		return Credentials{}, err
	}
	if token == "" {
		return Credentials{}, ErrNoCredentials
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Credentials{}, fmt.Errorf("%w: user id %q", ErrNoCredentials, raw)
	}
	return Credentials{Token: token, UserID: domain.UserID(id)}, nil
}

// SaveCredentials stores creds in one transaction.
func (db *DB) SaveCredentials(creds Credentials) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for k, v := range map[string]string{
		keyToken:  creds.Token,
		keyUserID: strconv.FormatInt(int64(creds.UserID), 10),
	} {
		if _, err := tx.Exec(`
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now); err != nil {
			return fmt.Errorf("write setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// ClearCredentials forgets the token, user id and last conversation.
func (db *DB) ClearCredentials() error {
	_, err := db.Exec(`DELETE FROM settings WHERE key IN (?, ?, ?)`, keyToken, keyUserID, keyLastCounterpart)
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// LastCounterpart returns the conversation selected when the client last
// ran, or zero.
func (db *DB) LastCounterpart() (domain.UserID, error) {
	raw, err := db.Setting(keyLastCounterpart)
	if err != nil || raw == "" {
		return 0, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, nil
	}
	return domain.UserID(id), nil
}

// SetLastCounterpart remembers the selected conversation.
func (db *DB) SetLastCounterpart(id domain.UserID) error {
	return db.SetSetting(keyLastCounterpart, strconv.FormatInt(int64(id), 10))
}
