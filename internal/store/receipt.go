package store

import "time"

// EnqueueReceipt persists a pending delivery receipt. A repeat enqueue for
// the same message id is absorbed, not requeued.
func (db *DB) EnqueueReceipt(r *PendingReceipt) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT OR IGNORE INTO receipts (message_id, recipient, sender, event, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.MessageID, r.Recipient, r.Sender, r.Event, now)
	return err
}

// PendingReceipts returns the queue in insertion order.
func (db *DB) PendingReceipts() ([]PendingReceipt, error) {
	rows, err := db.Query(`
		SELECT message_id, recipient, sender, event
		FROM receipts ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []PendingReceipt
	for rows.Next() {
		var r PendingReceipt
		if err := rows.Scan(&r.MessageID, &r.Recipient, &r.Sender, &r.Event); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// DeleteReceipt removes a pending receipt once its acknowledgment has been
// emitted.
func (db *DB) DeleteReceipt(messageID string) error {
	_, err := db.Exec(`DELETE FROM receipts WHERE message_id = ?`, messageID)
	return err
}

// CountReceipts returns the number of pending receipts.
func (db *DB) CountReceipts() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM receipts`).Scan(&n)
	return n, err
}
