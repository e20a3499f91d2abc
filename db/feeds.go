// ABOUTME: Database operations for saved ICS feed URLs
// ABOUTME: One feed per pilot with last-import tracking
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/harperreed/vcal/models"
)

// GetFeed retrieves the saved feed for a pilot, or nil.
func GetFeed(db *sql.DB, pilotID string) (*models.Feed, error) {
	var feed models.Feed
	var lastImportedAt sql.NullTime

	err := db.QueryRow(`
		SELECT pilot_id, url, last_imported_at, created_at, updated_at
		FROM feeds WHERE pilot_id = ?
	`, pilotID).Scan(&feed.PilotID, &feed.URL, &lastImportedAt, &feed.CreatedAt, &feed.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}

	if lastImportedAt.Valid {
		t := lastImportedAt.Time
		feed.LastImportedAt = &t
	}
	return &feed, nil
}

// UpsertFeed saves or replaces the feed URL for a pilot.
func UpsertFeed(db *sql.DB, pilotID, url string) error {
	now := time.Now().UTC()
	_, err := db.Exec(`
		INSERT INTO feeds (pilot_id, url, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pilot_id) DO UPDATE SET
			url = excluded.url,
			updated_at = excluded.updated_at
	`, pilotID, url, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert feed: %w", err)
	}
	return nil
}

// TouchFeedImported records a successful import time.
func TouchFeedImported(db *sql.DB, pilotID string, at time.Time) error {
	_, err := db.Exec(`
		UPDATE feeds SET last_imported_at = ?, updated_at = ? WHERE pilot_id = ?
	`, at.UTC(), time.Now().UTC(), pilotID)
	if err != nil {
		return fmt.Errorf("failed to touch feed: %w", err)
	}
	return nil
}

// DeleteFeed removes a pilot's saved feed.
func DeleteFeed(db *sql.DB, pilotID string) error {
	_, err := db.Exec(`DELETE FROM feeds WHERE pilot_id = ?`, pilotID)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	return nil
}
