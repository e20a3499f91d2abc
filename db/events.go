// ABOUTME: Database operations for schedule events
// ABOUTME: CRUD plus the remote-linkage and dedup lookups the sync engine needs
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/harperreed/vcal/models"
)

const eventColumns = `id, pilot_id, title, description, start, end, all_day, source,
	recurrence_frequency, recurrence_interval, recurrence_count, recurrence_end_date,
	google_event_id, google_etag, google_ical_uid, google_updated, google_raw,
	created_at, updated_at`

// ErrRemoteConflict indicates a write violated one of the remote-linkage
// uniqueness constraints: two rows claiming the same remote event id or
// iCal UID for a pilot. Not retryable; the reconciliation state is wrong.
var ErrRemoteConflict = errors.New("event conflicts with an existing remote linkage")

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateEvent inserts a new event, assigning an id and timestamps.
func CreateEvent(db *sql.DB, event *models.Event) error {
	event.NormalizeRecurrence()
	if err := event.Validate(); err != nil {
		return err
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	_, err := db.Exec(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID.String(), event.PilotID, event.Title, event.Description,
		event.Start.UTC(), event.End.UTC(), event.AllDay, event.Source,
		event.RecurrenceFrequency, event.RecurrenceInterval,
		nullInt(event.RecurrenceCount), nullTime(event.RecurrenceEndDate),
		event.GoogleEventID, event.GoogleEtag, event.GoogleICalUID,
		nullTime(event.GoogleUpdated), event.GoogleRaw,
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create event: %w", ErrRemoteConflict)
		}
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// UpdateEvent persists all mutable fields of an existing event.
func UpdateEvent(db *sql.DB, event *models.Event) error {
	return updateEvent(db, event)
}

func updateEvent(x execer, event *models.Event) error {
	event.NormalizeRecurrence()
	if err := event.Validate(); err != nil {
		return err
	}
	event.UpdatedAt = time.Now().UTC()

	result, err := x.Exec(`
		UPDATE events SET
			title = ?, description = ?, start = ?, end = ?, all_day = ?, source = ?,
			recurrence_frequency = ?, recurrence_interval = ?,
			recurrence_count = ?, recurrence_end_date = ?,
			google_event_id = ?, google_etag = ?, google_ical_uid = ?,
			google_updated = ?, google_raw = ?, updated_at = ?
		WHERE id = ?
	`,
		event.Title, event.Description, event.Start.UTC(), event.End.UTC(),
		event.AllDay, event.Source,
		event.RecurrenceFrequency, event.RecurrenceInterval,
		nullInt(event.RecurrenceCount), nullTime(event.RecurrenceEndDate),
		event.GoogleEventID, event.GoogleEtag, event.GoogleICalUID,
		nullTime(event.GoogleUpdated), event.GoogleRaw, event.UpdatedAt,
		event.ID.String(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to update event: %w", ErrRemoteConflict)
		}
		return fmt.Errorf("failed to update event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("event %s not found", event.ID)
	}
	return nil
}

// DeleteEvent removes an event by id.
func DeleteEvent(db *sql.DB, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM events WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// GetEvent retrieves one event scoped to a pilot.
func GetEvent(db *sql.DB, pilotID string, id uuid.UUID) (*models.Event, error) {
	row := db.QueryRow(`
		SELECT `+eventColumns+` FROM events WHERE pilot_id = ? AND id = ?
	`, pilotID, id.String())
	return scanEventRow(row)
}

// ListEvents returns all events for a pilot ordered by start.
func ListEvents(db *sql.DB, pilotID string) ([]models.Event, error) {
	return queryEvents(db, `
		SELECT `+eventColumns+` FROM events WHERE pilot_id = ? ORDER BY start
	`, pilotID)
}

// ListEventsBySource returns a pilot's events with the given source tag.
func ListEventsBySource(db *sql.DB, pilotID, source string) ([]models.Event, error) {
	return queryEvents(db, `
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ? AND source = ?
		ORDER BY start
	`, pilotID, source)
}

// ListUnlinkedLocalEvents returns local events with no remote linkage,
// the pass-A merge candidates.
func ListUnlinkedLocalEvents(db *sql.DB, pilotID string) ([]models.Event, error) {
	return queryEvents(db, `
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ? AND source = ? AND google_event_id = ''
		ORDER BY start
	`, pilotID, models.SourceLocal)
}

// ListUnsyncedEvents returns events the push phase must send: user-owned
// events (local or synced) that carry no remote id.
func ListUnsyncedEvents(db *sql.DB, pilotID string) ([]models.Event, error) {
	return queryEvents(db, `
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ? AND source IN (?, ?) AND google_event_id = ''
		ORDER BY start
	`, pilotID, models.SourceLocal, models.SourceSynced)
}

// FindEventByRemote resolves a remote item to a local event. A correlation
// id (the app-assigned event id embedded in the remote payload) takes
// priority; otherwise remote event id or iCal UID matches, preferring the
// most recently updated row when historical data yields several.
func FindEventByRemote(db *sql.DB, pilotID, googleEventID, icalUID, correlationID string) (*models.Event, error) {
	if correlationID != "" {
		if id, err := uuid.Parse(correlationID); err == nil {
			event, err := GetEvent(db, pilotID, id)
			if err != nil {
				return nil, err
			}
			if event != nil {
				return event, nil
			}
		}
	}

	if googleEventID == "" && icalUID == "" {
		return nil, nil
	}

	row := db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ?
		  AND ((google_event_id != '' AND google_event_id = ?)
		    OR (google_ical_uid != '' AND google_ical_uid = ?))
		ORDER BY updated_at DESC
		LIMIT 1
	`, pilotID, googleEventID, icalUID)
	return scanEventRow(row)
}

// GetEventByICalUID retrieves an event by its import/iCal UID.
func GetEventByICalUID(db *sql.DB, pilotID, uid string) (*models.Event, error) {
	row := db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ? AND google_ical_uid = ?
	`, pilotID, uid)
	return scanEventRow(row)
}

// FindDedupMatches returns events of the given source whose normalized
// identity (title case-insensitively, start, end, all-day flag) matches,
// excluding any row already linked to excludeGoogleID.
func FindDedupMatches(db *sql.DB, pilotID, source, title string, start, end time.Time, allDay bool, excludeGoogleID string) ([]models.Event, error) {
	return queryEvents(db, `
		SELECT `+eventColumns+` FROM events
		WHERE pilot_id = ? AND source = ?
		  AND LOWER(TRIM(title)) = LOWER(TRIM(?))
		  AND start = ? AND end = ? AND all_day = ?
		  AND google_event_id != ?
		ORDER BY updated_at DESC
	`, pilotID, source, title, start.UTC(), end.UTC(), allDay, excludeGoogleID)
}

// TransferRemoteLink deletes the duplicate remote-origin row and copies its
// remote linkage onto the surviving event in one transaction, marking the
// survivor synced. The pair must never be visible half-merged.
func TransferRemoteLink(db *sql.DB, duplicate *models.Event, survivor *models.Event) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin dedup transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM events WHERE id = ?`, duplicate.ID.String()); err != nil {
		return fmt.Errorf("failed to delete duplicate event: %w", err)
	}

	survivor.GoogleEventID = duplicate.GoogleEventID
	survivor.GoogleEtag = duplicate.GoogleEtag
	survivor.GoogleICalUID = duplicate.GoogleICalUID
	survivor.GoogleUpdated = duplicate.GoogleUpdated
	survivor.GoogleRaw = duplicate.GoogleRaw
	survivor.Source = models.SourceSynced

	if err := updateEvent(tx, survivor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dedup transaction: %w", err)
	}
	return nil
}

// StripRemoteLinks demotes all remote-linked events for a pilot back to
// local, clearing linkage fields. Events are never deleted on unlink.
func StripRemoteLinks(db *sql.DB, pilotID string) error {
	_, err := db.Exec(`
		UPDATE events SET
			google_event_id = '', google_etag = '', google_ical_uid = '',
			google_updated = NULL, google_raw = '',
			source = ?, updated_at = ?
		WHERE pilot_id = ? AND source IN (?, ?)
	`, models.SourceLocal, time.Now().UTC(), pilotID, models.SourceGoogle, models.SourceSynced)
	if err != nil {
		return fmt.Errorf("failed to strip remote links: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*models.Event, error) {
	var event models.Event
	var id string
	var recurrenceCount sql.NullInt64
	var recurrenceEndDate, googleUpdated sql.NullTime

	err := s.Scan(
		&id, &event.PilotID, &event.Title, &event.Description,
		&event.Start, &event.End, &event.AllDay, &event.Source,
		&event.RecurrenceFrequency, &event.RecurrenceInterval,
		&recurrenceCount, &recurrenceEndDate,
		&event.GoogleEventID, &event.GoogleEtag, &event.GoogleICalUID,
		&googleUpdated, &event.GoogleRaw,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	if recurrenceCount.Valid {
		count := int(recurrenceCount.Int64)
		event.RecurrenceCount = &count
	}
	if recurrenceEndDate.Valid {
		t := recurrenceEndDate.Time
		event.RecurrenceEndDate = &t
	}
	if googleUpdated.Valid {
		t := googleUpdated.Time
		event.GoogleUpdated = &t
	}
	return &event, nil
}

func scanEventRow(row *sql.Row) (*models.Event, error) {
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func queryEvents(db *sql.DB, query string, args ...any) ([]models.Event, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
