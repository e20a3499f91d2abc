// ABOUTME: Two-way reconciliation engine between the local store and Google Calendar
// ABOUTME: Pull with cursor recovery, merge/dedup passes, and push of local changes
package sync

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

// defaultLookbackDays bounds the historical window of a full (cursorless) pull.
const defaultLookbackDays = 90

// Merge outcomes emitted per remote item during pull.
const (
	outcomeCreated = "created"
	outcomeUpdated = "updated"
	outcomeDeleted = "deleted"
	outcomeIgnored = "ignored"
)

// Engine reconciles one pilot's events against their linked Google
// calendar. Runs are idempotent; at most one run per account executes at a
// time, with concurrent triggers coalesced onto the in-flight run.
type Engine struct {
	cfg      *config.Config
	database *sql.DB
	creds    *Manager

	newCalendar func(ctx context.Context, account *models.GoogleAccount) (CalendarAPI, error)
	group       singleflight.Group
	log         *log.Logger
	now         func() time.Time
}

// NewEngine builds a reconciliation engine over the given store and
// credential manager.
func NewEngine(cfg *config.Config, database *sql.DB, creds *Manager) *Engine {
	e := &Engine{
		cfg:      cfg,
		database: database,
		creds:    creds,
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "sync"}),
		now:      time.Now,
	}
	e.newCalendar = func(ctx context.Context, account *models.GoogleAccount) (CalendarAPI, error) {
		token, err := creds.Token(ctx, account)
		if err != nil {
			return nil, err
		}
		return NewGoogleCalendar(ctx, cfg, creds.OAuthConfig(), token)
	}
	return e
}

// Run executes a full reconciliation for the account: pull remote changes,
// collapse independently created duplicates, then push local-only events.
// Concurrent triggers for the same account share a single run.
func (e *Engine) Run(ctx context.Context, account *models.GoogleAccount) (models.SyncStats, error) {
	v, err, _ := e.group.Do(account.ID.String(), func() (any, error) {
		return e.run(ctx, account)
	})
	stats, _ := v.(models.SyncStats)
	return stats, err
}

func (e *Engine) run(ctx context.Context, account *models.GoogleAccount) (models.SyncStats, error) {
	var stats models.SyncStats

	api, err := e.newCalendar(ctx, account)
	if err != nil {
		return stats, err
	}

	// Pull strictly precedes merge, which strictly precedes push: a
	// just-pulled remote deletion must not be resurrected by the push
	// phase. Cancellation is honored between phases only.
	if err := e.pull(ctx, api, account, &stats); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if err := e.mergeExisting(ctx, api, account, &stats); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if err := e.pushUnsynced(ctx, api, account, &stats); err != nil {
		return stats, err
	}

	e.log.Info("sync run complete", "pilot", account.PilotID,
		"created", stats.Created, "updated", stats.Updated, "deleted", stats.Deleted,
		"linked", stats.Linked, "deduped", stats.Deduped, "pushed", stats.Pushed)
	return stats, nil
}

func (e *Engine) initialListParams(account *models.GoogleAccount) ListParams {
	params := ListParams{ShowDeleted: true}
	if account.SyncToken != "" {
		params.SyncToken = account.SyncToken
	} else {
		windowStart := e.now().UTC().AddDate(0, 0, -defaultLookbackDays)
		params.TimeMin = windowStart.Truncate(24 * time.Hour)
	}
	return params
}

// pull fetches remote changes (delta when a cursor exists, a bounded
// historical window otherwise) and applies each item to the local store.
// A "cursor gone" response clears the cursor and restarts as a full pull
// exactly once; there is no retry loop beyond that.
func (e *Engine) pull(ctx context.Context, api CalendarAPI, account *models.GoogleAccount, stats *models.SyncStats) error {
	retried := false
	params := e.initialListParams(account)

	for {
		page, err := api.List(ctx, params)
		if err != nil {
			if isCursorGone(err) && !retried {
				retried = true
				e.log.Info("sync cursor expired, restarting full pull", "pilot", account.PilotID)
				if err := db.ClearSyncToken(e.database, account.ID); err != nil {
					return err
				}
				account.SyncToken = ""
				params = e.initialListParams(account)
				continue
			}
			return transportErr("events list", err)
		}

		// Each page is applied as a unit; cancellation is checked only
		// at page boundaries.
		for _, item := range page.Items {
			outcome, err := e.applyRemoteEvent(account, item)
			if err != nil {
				return err
			}
			switch outcome {
			case outcomeCreated:
				stats.Created++
			case outcomeUpdated:
				stats.Updated++
			case outcomeDeleted:
				stats.Deleted++
			case outcomeIgnored:
				stats.Ignored++
			}
		}

		if page.NextPageToken == "" {
			if page.NextSyncToken != "" {
				account.SyncToken = page.NextSyncToken
			}
			break
		}
		params.PageToken = page.NextPageToken
		params.TimeMin = time.Time{}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	syncedAt := e.now().UTC()
	if err := db.UpdateSyncState(e.database, account.ID, account.SyncToken, syncedAt); err != nil {
		return err
	}
	account.LastSyncedAt = &syncedAt
	return nil
}

// applyRemoteEvent merges one remote item into the local store.
func (e *Engine) applyRemoteEvent(account *models.GoogleAccount, item *calendar.Event) (string, error) {
	event, err := db.FindEventByRemote(e.database, account.PilotID, item.Id, item.ICalUID, correlationID(item))
	if err != nil {
		return "", err
	}

	if item.Status == "cancelled" {
		if event == nil {
			return outcomeIgnored, nil
		}
		if err := db.DeleteEvent(e.database, event.ID); err != nil {
			return "", err
		}
		return outcomeDeleted, nil
	}

	if event != nil {
		if err := applyGoogleFields(event, item); err != nil {
			return "", err
		}
		event.Source = models.SourceSynced
		if err := db.UpdateEvent(e.database, event); err != nil {
			return "", err
		}
		return outcomeUpdated, nil
	}

	event = &models.Event{
		PilotID:             account.PilotID,
		Source:              models.SourceGoogle,
		RecurrenceFrequency: models.FreqNone,
		RecurrenceInterval:  1,
	}
	if err := applyGoogleFields(event, item); err != nil {
		return "", err
	}
	if err := db.CreateEvent(e.database, event); err != nil {
		return "", err
	}
	return outcomeCreated, nil
}

type dedupKey struct {
	title  string
	start  int64
	end    int64
	allDay bool
}

func keyFor(event *models.Event) dedupKey {
	return dedupKey{
		title:  normalizeTitle(event.Title),
		start:  event.Start.UTC().Unix(),
		end:    event.End.UTC().Unix(),
		allDay: event.AllDay,
	}
}

// mergeExisting collapses pairs of events that describe the same
// appointment but were created independently on each side before the link
// existed. Ambiguous matches (more than one candidate) are left untouched:
// silently merging under ambiguity risks losing the wrong data.
func (e *Engine) mergeExisting(ctx context.Context, api CalendarAPI, account *models.GoogleAccount, stats *models.SyncStats) error {
	googleEvents, err := db.ListEventsBySource(e.database, account.PilotID, models.SourceGoogle)
	if err != nil {
		return err
	}
	if len(googleEvents) == 0 {
		return nil
	}

	// Pass A: link pre-existing unlinked local events to remote-origin
	// events with an identical normalized identity.
	index := make(map[dedupKey][]*models.Event)
	for i := range googleEvents {
		k := keyFor(&googleEvents[i])
		index[k] = append(index[k], &googleEvents[i])
	}

	locals, err := db.ListUnlinkedLocalEvents(e.database, account.PilotID)
	if err != nil {
		return err
	}
	for i := range locals {
		local := &locals[i]
		k := keyFor(local)
		matches := index[k]
		if len(matches) != 1 {
			continue
		}
		remote := matches[0]
		index[k] = nil

		if err := db.TransferRemoteLink(e.database, remote, local); err != nil {
			return err
		}
		stats.Linked++
	}

	// Pass B: adopt remote-origin events that duplicate an already-synced
	// event. When the synced event previously pointed at a different
	// app-created remote item, that orphan is deleted remotely so the
	// calendar does not keep both copies. A prior remote-origin item
	// without the correlation property is left in place.
	remaining, err := db.ListEventsBySource(e.database, account.PilotID, models.SourceGoogle)
	if err != nil {
		return err
	}
	for i := range remaining {
		candidate := &remaining[i]
		if rawHasCorrelation(candidate.GoogleRaw) {
			continue
		}

		matches, err := db.FindDedupMatches(e.database, account.PilotID, models.SourceSynced,
			candidate.Title, candidate.Start, candidate.End, candidate.AllDay, candidate.GoogleEventID)
		if err != nil {
			return err
		}
		if len(matches) != 1 {
			continue
		}

		survivor := matches[0]
		previousRemoteID := survivor.GoogleEventID
		previousRaw := survivor.GoogleRaw

		if err := db.TransferRemoteLink(e.database, candidate, &survivor); err != nil {
			return err
		}
		stats.Deduped++

		if previousRemoteID != "" && rawHasCorrelation(previousRaw) {
			if err := api.Delete(ctx, previousRemoteID); err != nil {
				if !isAlreadyGone(err) {
					return transportErr("duplicate delete", err)
				}
			} else {
				stats.RemoteDeleted++
			}
		}
	}

	return nil
}

// pushUnsynced sends every user-owned event without a remote id to the
// remote calendar and records the assigned linkage.
func (e *Engine) pushUnsynced(ctx context.Context, api CalendarAPI, account *models.GoogleAccount, stats *models.SyncStats) error {
	events, err := db.ListUnsyncedEvents(e.database, account.PilotID)
	if err != nil {
		return err
	}
	for i := range events {
		if err := e.pushEvent(ctx, api, &events[i]); err != nil {
			return err
		}
		stats.Pushed++
	}
	return nil
}

func (e *Engine) pushEvent(ctx context.Context, api CalendarAPI, event *models.Event) error {
	body := googleEventBody(event)

	var item *calendar.Event
	var err error
	if event.GoogleEventID != "" {
		item, err = api.Patch(ctx, event.GoogleEventID, body)
		if err != nil {
			return transportErr("event patch", err)
		}
	} else {
		item, err = api.Insert(ctx, body)
		if err != nil {
			return transportErr("event insert", err)
		}
	}

	if err := applyGoogleFields(event, item); err != nil {
		return err
	}
	event.Source = models.SourceSynced
	return db.UpdateEvent(e.database, event)
}

// PushEvent sends a single event to the remote calendar outside a full run.
func (e *Engine) PushEvent(ctx context.Context, account *models.GoogleAccount, event *models.Event) error {
	api, err := e.newCalendar(ctx, account)
	if err != nil {
		return err
	}
	return e.pushEvent(ctx, api, event)
}

// DeleteRemote removes the remote copy of an event. A missing remote id is
// a no-op; a 404/410 from the remote means already deleted, not failure.
func (e *Engine) DeleteRemote(ctx context.Context, account *models.GoogleAccount, event *models.Event) error {
	if event.GoogleEventID == "" {
		return nil
	}
	api, err := e.newCalendar(ctx, account)
	if err != nil {
		return err
	}
	if err := api.Delete(ctx, event.GoogleEventID); err != nil {
		if isAlreadyGone(err) {
			e.log.Info("remote event already removed", "pilot", account.PilotID, "event", event.ID)
			return nil
		}
		return transportErr("event delete", err)
	}
	return nil
}

// Unlink destroys the credential record and demotes every remote-linked
// event back to local, stripping linkage. Events are never deleted here.
func (e *Engine) Unlink(account *models.GoogleAccount) error {
	if err := db.DeleteAccount(e.database, account.ID); err != nil {
		return err
	}
	return db.StripRemoteLinks(e.database, account.PilotID)
}
