// ABOUTME: Database schema definitions and migrations
// ABOUTME: Handles SQLite table creation and initialization
package db

import (
	"database/sql"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	pilot_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start DATETIME NOT NULL,
	end DATETIME NOT NULL,
	all_day INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT 'local' CHECK(source IN ('local', 'google', 'synced', 'imported')),
	recurrence_frequency TEXT NOT NULL DEFAULT 'none' CHECK(recurrence_frequency IN ('none', 'daily', 'weekly', 'monthly', 'yearly')),
	recurrence_interval INTEGER NOT NULL DEFAULT 1 CHECK(recurrence_interval >= 1),
	recurrence_count INTEGER CHECK(recurrence_count IS NULL OR recurrence_count >= 1),
	recurrence_end_date DATETIME,
	google_event_id TEXT NOT NULL DEFAULT '',
	google_etag TEXT NOT NULL DEFAULT '',
	google_ical_uid TEXT NOT NULL DEFAULT '',
	google_updated DATETIME,
	google_raw TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	CHECK(end >= start)
);

CREATE INDEX IF NOT EXISTS idx_events_pilot_start ON events(pilot_id, start);
CREATE INDEX IF NOT EXISTS idx_events_pilot_source ON events(pilot_id, source);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_pilot_google_id
	ON events(pilot_id, google_event_id) WHERE google_event_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_pilot_ical_uid
	ON events(pilot_id, google_ical_uid) WHERE google_ical_uid != '';

CREATE TABLE IF NOT EXISTS google_accounts (
	id TEXT PRIMARY KEY,
	pilot_id TEXT NOT NULL UNIQUE,
	google_user_id TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry DATETIME,
	scopes TEXT NOT NULL DEFAULT '',
	sync_token TEXT NOT NULL DEFAULT '',
	last_synced_at DATETIME,
	watch_channel_id TEXT NOT NULL DEFAULT '',
	watch_resource_id TEXT NOT NULL DEFAULT '',
	watch_expires_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_google_accounts_email ON google_accounts(email);
CREATE INDEX IF NOT EXISTS idx_google_accounts_watch_expiry ON google_accounts(watch_expires_at);

CREATE TABLE IF NOT EXISTS message_log (
	pilot_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	processed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (pilot_id, message_id)
);

CREATE TABLE IF NOT EXISTS feeds (
	pilot_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	last_imported_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
