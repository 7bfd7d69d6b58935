package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertMessage inserts or merges a message (idempotent on id).
//
// The merge never touches id, sender, recipient or timestamp, so a late
// duplicate "new message" event cannot resurrect stale content over a
// newer record. Status only moves forward; media fields backfill when the
// incoming copy carries them.
func (db *DB) UpsertMessage(m *Message, isLocal bool) error {
	now := time.Now().UnixMilli()
	query := fmt.Sprintf(`
		INSERT INTO messages (id, sender, recipient, body, kind, image, audio, video, duration, status, timestamp, is_local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = CASE WHEN (%s) > (%s) THEN excluded.status ELSE messages.status END,
			kind = excluded.kind,
			image = CASE WHEN excluded.image != '' THEN excluded.image ELSE messages.image END,
			audio = CASE WHEN excluded.audio != '' THEN excluded.audio ELSE messages.audio END,
			video = CASE WHEN excluded.video != '' THEN excluded.video ELSE messages.video END,
			duration = CASE WHEN excluded.duration != 0 THEN excluded.duration ELSE messages.duration END`,
		fmt.Sprintf(statusRankExpr, "excluded.status"),
		fmt.Sprintf(statusRankExpr, "messages.status"))

	_, err := db.Exec(query,
		m.ID, m.Sender, m.Recipient, m.Body, m.Kind, m.Image, m.Audio, m.Video,
		m.Duration, m.Status, m.Timestamp, isLocal, now)
	return err
}

// Conversation returns all messages between the two participants in
// ascending timestamp order. The conversation is the unordered pair, so
// both directions are included.
func (db *DB) Conversation(me, other string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, sender, recipient, body, kind, image, audio, video, duration, status, timestamp, is_local
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY timestamp ASC, created_at ASC`,
		me, other, other, me)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Kind, &m.Image, &m.Audio, &m.Video, &m.Duration, &m.Status, &m.Timestamp, &m.IsLocal); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, sender, recipient, body, kind, image, audio, video, duration, status, timestamp, is_local
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Kind, &m.Image, &m.Audio, &m.Video, &m.Duration, &m.Status, &m.Timestamp, &m.IsLocal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateStatus advances a message's status. A regression or an unknown
// status is ignored by the rank guard; a missing id is a no-op.
func (db *DB) UpdateStatus(id, status string) error {
	query := fmt.Sprintf(
		`UPDATE messages SET status = ? WHERE id = ? AND (%s) > (%s)`,
		fmt.Sprintf(statusRankExpr, "?"),
		fmt.Sprintf(statusRankExpr, "status"))
	_, err := db.Exec(query, status, id, status)
	return err
}

// DeleteMessage removes a single message. Explicit user action only.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// Clear removes every stored message.
func (db *DB) Clear() error {
	_, err := db.Exec(`DELETE FROM messages`)
	return err
}
