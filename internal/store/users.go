package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/duochat/internal/domain"
)

// UpsertUsers caches directory entries. Empty usernames never overwrite a
// known one.
func (db *DB) UpsertUsers(users []domain.User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (id, username, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
				updated_at = excluded.updated_at`,
			int64(u.ID), u.Username, now); err != nil {
			return fmt.Errorf("upsert user %d: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// UpsertPartners caches conversation partners with their last message.
func (db *DB) UpsertPartners(partners []domain.Partner) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range partners {
		if _, err := tx.Exec(`
			INSERT INTO users (id, username, last_message, last_message_time, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
				last_message = excluded.last_message,
				last_message_time = excluded.last_message_time,
				updated_at = excluded.updated_at`,
			int64(p.ID), p.Username, p.LastMessage, p.LastMessageAt, now); err != nil {
			return fmt.Errorf("upsert partner %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// Partners returns cached users that have a last message, most recent first.
func (db *DB) Partners() ([]domain.Partner, error) {
	rows, err := db.Query(`
		SELECT id, username, last_message, last_message_time FROM users
		WHERE last_message_time != ''
		ORDER BY last_message_time DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Partner
	for rows.Next() {
		var p domain.Partner
		var id int64
		if err := rows.Scan(&id, &p.Username, &p.LastMessage, &p.LastMessageAt); err != nil {
			return nil, err
		}
		p.ID = domain.UserID(id)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Username returns the cached name of id, or "" when unknown.
func (db *DB) Username(id domain.UserID) (string, error) {
	var name string
	err := db.QueryRow(`SELECT username FROM users WHERE id = ?`, int64(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read username: %w", err)
	}
	return name, nil
}
