// ABOUTME: Data models for schedule entities
// ABOUTME: Defines Event, GoogleAccount, Occurrence, and sync bookkeeping structs
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event source (provenance) constants.
const (
	SourceLocal    = "local"
	SourceGoogle   = "google"
	SourceSynced   = "synced"
	SourceImported = "imported"
)

// Recurrence frequency constants.
const (
	FreqNone    = "none"
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
	FreqYearly  = "yearly"
)

type Event struct {
	ID          uuid.UUID `json:"id"`
	PilotID     string    `json:"pilot_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Source      string    `json:"source"`

	RecurrenceFrequency string     `json:"recurrence_frequency"`
	RecurrenceInterval  int        `json:"recurrence_interval"`
	RecurrenceCount     *int       `json:"recurrence_count,omitempty"`
	RecurrenceEndDate   *time.Time `json:"recurrence_end_date,omitempty"`

	GoogleEventID string     `json:"google_event_id,omitempty"`
	GoogleEtag    string     `json:"google_etag,omitempty"`
	GoogleICalUID string     `json:"google_ical_uid,omitempty"`
	GoogleUpdated *time.Time `json:"google_updated,omitempty"`
	GoogleRaw     string     `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeRecurrence forces recurrence fields into a consistent shape:
// no repeat means no count and no end date.
func (e *Event) NormalizeRecurrence() {
	if e.RecurrenceFrequency == "" {
		e.RecurrenceFrequency = FreqNone
	}
	if e.RecurrenceInterval < 1 {
		e.RecurrenceInterval = 1
	}
	if e.RecurrenceFrequency == FreqNone {
		e.RecurrenceCount = nil
		e.RecurrenceEndDate = nil
	}
}

// Validate checks the Event invariants that must hold after any mutation.
func (e *Event) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("event title is required")
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("event end %s is before start %s", e.End, e.Start)
	}
	switch e.RecurrenceFrequency {
	case FreqNone, FreqDaily, FreqWeekly, FreqMonthly, FreqYearly:
	default:
		return fmt.Errorf("unknown recurrence frequency %q", e.RecurrenceFrequency)
	}
	if e.RecurrenceInterval < 1 {
		return fmt.Errorf("recurrence interval must be >= 1, got %d", e.RecurrenceInterval)
	}
	if e.RecurrenceCount != nil && *e.RecurrenceCount < 1 {
		return fmt.Errorf("recurrence count must be >= 1, got %d", *e.RecurrenceCount)
	}
	if e.RecurrenceCount != nil && e.RecurrenceEndDate != nil {
		return fmt.Errorf("recurrence count and end date are mutually exclusive")
	}
	return nil
}

// IsRecurring reports whether the event repeats.
func (e *Event) IsRecurring() bool {
	return e.RecurrenceFrequency != "" && e.RecurrenceFrequency != FreqNone
}

// Linked reports whether the event carries a remote calendar id.
func (e *Event) Linked() bool {
	return e.GoogleEventID != ""
}

// GoogleAccount is the credential record for one linked Google account.
// One per pilot; mutated only by the credential manager and the sync engine.
type GoogleAccount struct {
	ID           uuid.UUID  `json:"id"`
	PilotID      string     `json:"pilot_id"`
	GoogleUserID string     `json:"google_user_id"`
	Email        string     `json:"email"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`
	Scopes       string     `json:"scopes"`

	SyncToken    string     `json:"-"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`

	WatchChannelID  string     `json:"watch_channel_id,omitempty"`
	WatchResourceID string     `json:"watch_resource_id,omitempty"`
	WatchExpiresAt  *time.Time `json:"watch_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TokenExpired reports whether the stored access token is unusable at t.
// A small skew margin avoids handing out a token that dies mid-request.
func (a *GoogleAccount) TokenExpired(t time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	if a.TokenExpiry == nil {
		return false
	}
	return !a.TokenExpiry.After(t.Add(30 * time.Second))
}

// Occurrence is an ephemeral projection of one concrete instance of a
// (possibly recurring) Event. Never persisted; recomputed per query.
type Occurrence struct {
	EventID             uuid.UUID `json:"event_id"`
	OccurrenceID        string    `json:"occurrence_id"`
	Title               string    `json:"title"`
	Description         string    `json:"description,omitempty"`
	Start               time.Time `json:"start"`
	End                 time.Time `json:"end"`
	AllDay              bool      `json:"all_day"`
	Source              string    `json:"source"`
	IsRecurring         bool      `json:"is_recurring"`
	RecurrenceFrequency string    `json:"recurrence_frequency"`
	RecurrenceInterval  int       `json:"recurrence_interval"`
}

// SyncStats is the structured outcome of one reconciliation run.
type SyncStats struct {
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Deleted       int `json:"deleted"`
	Ignored       int `json:"ignored"`
	Linked        int `json:"linked_existing"`
	Deduped       int `json:"deduped"`
	RemoteDeleted int `json:"google_deleted"`
	Pushed        int `json:"pushed"`
}

// WatchStatus describes the push-subscription state for an account.
type WatchStatus struct {
	Active       bool       `json:"active"`
	ChannelID    string     `json:"channel_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	NeedsRenewal bool       `json:"needs_renewal"`
}

// Feed is a saved read-only ICS feed URL for one pilot.
type Feed struct {
	PilotID        string     `json:"pilot_id"`
	URL            string     `json:"url"`
	LastImportedAt *time.Time `json:"last_imported_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
