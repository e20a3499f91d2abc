// ABOUTME: Database operations for the processed-message log
// ABOUTME: Deduplicates mailbox notifications so redeliveries are no-ops
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// CheckMessageProcessed reports whether a mailbox message id has already
// been inspected for this pilot.
func CheckMessageProcessed(db *sql.DB, pilotID, messageID string) (bool, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM message_log WHERE pilot_id = ? AND message_id = ?
	`, pilotID, messageID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check message log: %w", err)
	}
	return count > 0, nil
}

// MarkMessageProcessed records a message id so a redelivered notification
// never produces a second candidate. Replays of the same id are no-ops.
func MarkMessageProcessed(db *sql.DB, pilotID, messageID string) error {
	_, err := db.Exec(`
		INSERT INTO message_log (pilot_id, message_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pilot_id, message_id) DO NOTHING
	`, pilotID, messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	return nil
}
