// ABOUTME: Tests for the reconciliation engine
// ABOUTME: Covers pull merge rules, cursor recovery, dedup passes, and push
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

type listResponse struct {
	page *calendar.Events
	err  error
}

type fakeCalendar struct {
	listResponses []listResponse
	listCalls     []ListParams

	inserted   []*calendar.Event
	patched    map[string]*calendar.Event
	deleted    []string
	deleteErrs map[string]error
	nextID     int
}

func (f *fakeCalendar) List(_ context.Context, params ListParams) (*calendar.Events, error) {
	f.listCalls = append(f.listCalls, params)
	if len(f.listResponses) == 0 {
		return &calendar.Events{}, nil
	}
	resp := f.listResponses[0]
	f.listResponses = f.listResponses[1:]
	return resp.page, resp.err
}

func (f *fakeCalendar) Insert(_ context.Context, body *calendar.Event) (*calendar.Event, error) {
	f.nextID++
	out := *body
	out.Id = fmt.Sprintf("remote-%d", f.nextID)
	out.Etag = fmt.Sprintf("%q", out.Id)
	out.ICalUID = out.Id + "@google.com"
	out.Updated = "2026-03-01T00:00:00Z"
	f.inserted = append(f.inserted, &out)
	return &out, nil
}

func (f *fakeCalendar) Patch(_ context.Context, eventID string, body *calendar.Event) (*calendar.Event, error) {
	out := *body
	out.Id = eventID
	out.Etag = fmt.Sprintf("%q", eventID+"-patched")
	out.ICalUID = eventID + "@google.com"
	out.Updated = "2026-03-01T00:00:00Z"
	if f.patched == nil {
		f.patched = make(map[string]*calendar.Event)
	}
	f.patched[eventID] = &out
	return &out, nil
}

func (f *fakeCalendar) Delete(_ context.Context, eventID string) error {
	if err := f.deleteErrs[eventID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func newTestEngine(database *sql.DB, fake CalendarAPI) *Engine {
	e := &Engine{
		cfg:      testConfig(),
		database: database,
		log:      quietLogger(),
		now:      time.Now,
	}
	e.newCalendar = func(ctx context.Context, account *models.GoogleAccount) (CalendarAPI, error) {
		return fake, nil
	}
	return e
}

func remoteItem(id, title string, start, end time.Time) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Etag:    fmt.Sprintf("%q", "etag-"+id),
		ICalUID: id + "@google.com",
		Summary: title,
		Status:  "confirmed",
		Start:   &calendar.EventDateTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: end.UTC().Format(time.RFC3339)},
		Updated: "2026-03-01T00:00:00Z",
	}
}

var (
	lessonStart = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	lessonEnd   = time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
)

func localEvent(pilotID, title string) *models.Event {
	return &models.Event{
		PilotID:             pilotID,
		Title:               title,
		Start:               lessonStart,
		End:                 lessonEnd,
		Source:              models.SourceLocal,
		RecurrenceFrequency: models.FreqNone,
		RecurrenceInterval:  1,
	}
}

func TestRunCreatesRemoteEvents(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items: []*calendar.Event{
				remoteItem("g1", "Flight lesson", lessonStart, lessonEnd),
				remoteItem("g2", "Checkride", lessonStart.Add(48*time.Hour), lessonEnd.Add(48*time.Hour)),
			},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Created)
	assert.Equal(t, 0, stats.Pushed)

	events, err := db.ListEventsBySource(database, "pilot-1", models.SourceGoogle)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", stored.SyncToken)
	assert.NotNil(t, stored.LastSyncedAt)

	// First pull has no cursor: bounded historical window instead.
	require.Len(t, fake.listCalls, 1)
	assert.Empty(t, fake.listCalls[0].SyncToken)
	assert.False(t, fake.listCalls[0].TimeMin.IsZero())
	assert.True(t, fake.listCalls[0].ShowDeleted)
}

func TestRunFollowsPagination(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	fake := &fakeCalendar{listResponses: []listResponse{
		{page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g1", "One", lessonStart, lessonEnd)},
			NextPageToken: "page-2",
		}},
		{page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g2", "Two", lessonStart.Add(time.Hour), lessonEnd.Add(time.Hour))},
			NextSyncToken: "cursor-2",
		}},
	}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)

	require.Len(t, fake.listCalls, 2)
	assert.Equal(t, "page-2", fake.listCalls[1].PageToken)
	assert.True(t, fake.listCalls[1].TimeMin.IsZero())
	assert.Equal(t, "cursor-2", account.SyncToken)
}

func TestRunUsesStoredCursor(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")
	require.NoError(t, db.UpdateSyncState(database, account.ID, "cursor-old", time.Now().UTC()))
	account.SyncToken = "cursor-old"

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{NextSyncToken: "cursor-new"},
	}}}
	engine := newTestEngine(database, fake)

	_, err := engine.Run(context.Background(), account)
	require.NoError(t, err)

	require.Len(t, fake.listCalls, 1)
	assert.Equal(t, "cursor-old", fake.listCalls[0].SyncToken)
	assert.True(t, fake.listCalls[0].TimeMin.IsZero())
	assert.Equal(t, "cursor-new", account.SyncToken)
}

func TestCursorGoneRestartsFullPullOnce(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")
	require.NoError(t, db.UpdateSyncState(database, account.ID, "cursor-stale", time.Now().UTC()))
	account.SyncToken = "cursor-stale"

	fake := &fakeCalendar{listResponses: []listResponse{
		{err: &googleapi.Error{Code: http.StatusGone}},
		{page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g1", "Flight lesson", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-fresh",
		}},
	}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	require.Len(t, fake.listCalls, 2)
	assert.Equal(t, "cursor-stale", fake.listCalls[0].SyncToken)
	assert.Empty(t, fake.listCalls[1].SyncToken)
	assert.False(t, fake.listCalls[1].TimeMin.IsZero())

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, "cursor-fresh", stored.SyncToken)
}

func TestCursorGoneTwiceFails(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")
	require.NoError(t, db.UpdateSyncState(database, account.ID, "cursor-stale", time.Now().UTC()))
	account.SyncToken = "cursor-stale"

	fake := &fakeCalendar{listResponses: []listResponse{
		{err: &googleapi.Error{Code: http.StatusGone}},
		{err: &googleapi.Error{Code: http.StatusGone}},
	}}
	engine := newTestEngine(database, fake)

	_, err := engine.Run(context.Background(), account)
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, http.StatusGone, transport.StatusCode)
	assert.Len(t, fake.listCalls, 2)
}

func TestRunUpdatesLinkedEvent(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	existing := localEvent("pilot-1", "Old title")
	existing.Source = models.SourceSynced
	existing.GoogleEventID = "g1"
	existing.GoogleICalUID = "g1@google.com"
	require.NoError(t, db.CreateEvent(database, existing))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g1", "New title", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.Created)

	got, err := db.GetEvent(database, "pilot-1", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, models.SourceSynced, got.Source)
}

func TestRunMatchesByCorrelationID(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	existing := localEvent("pilot-1", "Pushed earlier")
	require.NoError(t, db.CreateEvent(database, existing))

	item := remoteItem("g9", "Pushed earlier", lessonStart, lessonEnd)
	item.ExtendedProperties = &calendar.EventExtendedProperties{
		Private: map[string]string{correlationProperty: existing.ID.String()},
	}
	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{Items: []*calendar.Event{item}, NextSyncToken: "cursor-1"},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	got, err := db.GetEvent(database, "pilot-1", existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "g9", got.GoogleEventID)
	assert.Equal(t, models.SourceSynced, got.Source)
}

func TestRunCancelledEvents(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	existing := localEvent("pilot-1", "Doomed")
	existing.Source = models.SourceSynced
	existing.GoogleEventID = "g1"
	require.NoError(t, db.CreateEvent(database, existing))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items: []*calendar.Event{
				{Id: "g1", Status: "cancelled"},
				{Id: "g-unknown", Status: "cancelled"},
			},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Ignored)

	got, err := db.GetEvent(database, "pilot-1", existing.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMergeLinksPreexistingLocal(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	local := localEvent("pilot-1", "Flight lesson")
	require.NoError(t, db.CreateEvent(database, local))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g1", "Flight lesson", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Linked)
	assert.Equal(t, 0, stats.Pushed)

	events, err := db.ListEvents(database, "pilot-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, local.ID, events[0].ID)
	assert.Equal(t, models.SourceSynced, events[0].Source)
	assert.Equal(t, "g1", events[0].GoogleEventID)
}

func TestMergeAmbiguityIsNoop(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	local := localEvent("pilot-1", "Flight lesson")
	require.NoError(t, db.CreateEvent(database, local))

	// Two remote events with the same identity: linking either would be a
	// guess, so neither is linked.
	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items: []*calendar.Event{
				remoteItem("g1", "Flight lesson", lessonStart, lessonEnd),
				remoteItem("g2", "Flight lesson", lessonStart, lessonEnd),
			},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Linked)
	assert.Equal(t, 0, stats.Deduped)
	// The unlinked local event still gets pushed as its own remote item.
	assert.Equal(t, 1, stats.Pushed)
}

func TestDedupAdoptsRemoteAndRemovesOrphan(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	// A synced event whose remote copy was created by us (raw snapshot
	// carries the correlation property) under an id that no longer exists.
	synced := localEvent("pilot-1", "Flight lesson")
	synced.Source = models.SourceSynced
	synced.GoogleEventID = "old-1"
	synced.GoogleICalUID = "old-1@google.com"
	body := googleEventBody(synced)
	body.Id = "old-1"
	rawJSON, err := body.MarshalJSON()
	require.NoError(t, err)
	synced.GoogleRaw = string(rawJSON)
	require.NoError(t, db.CreateEvent(database, synced))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("new-1", "Flight lesson", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Deduped)
	assert.Equal(t, 1, stats.RemoteDeleted)
	assert.Equal(t, []string{"old-1"}, fake.deleted)

	events, err := db.ListEvents(database, "pilot-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, synced.ID, events[0].ID)
	assert.Equal(t, "new-1", events[0].GoogleEventID)
}

func TestDedupLeavesForeignOrphanAlone(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	// The synced event's previous remote copy was not app-created (no
	// correlation property in the snapshot), so it is not deleted remotely.
	synced := localEvent("pilot-1", "Flight lesson")
	synced.Source = models.SourceSynced
	synced.GoogleEventID = "old-1"
	synced.GoogleRaw = `{"id":"old-1","summary":"Flight lesson"}`
	require.NoError(t, db.CreateEvent(database, synced))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("new-1", "Flight lesson", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-1",
		},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deduped)
	assert.Equal(t, 0, stats.RemoteDeleted)
	assert.Empty(t, fake.deleted)
}

func TestDedupToleratesOrphanAlreadyGone(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	synced := localEvent("pilot-1", "Flight lesson")
	synced.Source = models.SourceSynced
	synced.GoogleEventID = "old-1"
	body := googleEventBody(synced)
	body.Id = "old-1"
	rawJSON, err := body.MarshalJSON()
	require.NoError(t, err)
	synced.GoogleRaw = string(rawJSON)
	require.NoError(t, db.CreateEvent(database, synced))

	fake := &fakeCalendar{
		listResponses: []listResponse{{
			page: &calendar.Events{
				Items:         []*calendar.Event{remoteItem("new-1", "Flight lesson", lessonStart, lessonEnd)},
				NextSyncToken: "cursor-1",
			},
		}},
		deleteErrs: map[string]error{"old-1": &googleapi.Error{Code: http.StatusNotFound}},
	}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deduped)
	assert.Equal(t, 0, stats.RemoteDeleted)
}

func TestPushUnsyncedAssignsLinkage(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	local := localEvent("pilot-1", "Solo flight")
	require.NoError(t, db.CreateEvent(database, local))

	fake := &fakeCalendar{listResponses: []listResponse{{
		page: &calendar.Events{NextSyncToken: "cursor-1"},
	}}}
	engine := newTestEngine(database, fake)

	stats, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)

	require.Len(t, fake.inserted, 1)
	assert.Equal(t, local.ID.String(), correlationID(fake.inserted[0]))

	got, err := db.GetEvent(database, "pilot-1", local.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote-1", got.GoogleEventID)
	assert.Equal(t, models.SourceSynced, got.Source)
	assert.NotEmpty(t, got.GoogleICalUID)
}

func TestRunIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	fake := &fakeCalendar{listResponses: []listResponse{
		{page: &calendar.Events{
			Items:         []*calendar.Event{remoteItem("g1", "Flight lesson", lessonStart, lessonEnd)},
			NextSyncToken: "cursor-1",
		}},
		{page: &calendar.Events{NextSyncToken: "cursor-2"}},
	}}
	engine := newTestEngine(database, fake)

	first, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := engine.Run(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStats{}, second)

	events, err := db.ListEvents(database, "pilot-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDeleteRemoteToleratesGone(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	event := localEvent("pilot-1", "Flight lesson")
	event.Source = models.SourceSynced
	event.GoogleEventID = "g1"
	require.NoError(t, db.CreateEvent(database, event))

	fake := &fakeCalendar{deleteErrs: map[string]error{"g1": &googleapi.Error{Code: http.StatusGone}}}
	engine := newTestEngine(database, fake)

	assert.NoError(t, engine.DeleteRemote(context.Background(), account, event))

	// A never-pushed event is a no-op.
	unlinked := localEvent("pilot-1", "Local only")
	assert.NoError(t, engine.DeleteRemote(context.Background(), account, unlinked))
}

func TestUnlinkKeepsEventsAsLocal(t *testing.T) {
	database := setupTestDB(t)
	account := testLinkedAccount(t, database, "pilot-1")

	synced := localEvent("pilot-1", "Flight lesson")
	synced.Source = models.SourceSynced
	synced.GoogleEventID = "g1"
	require.NoError(t, db.CreateEvent(database, synced))

	engine := newTestEngine(database, &fakeCalendar{})
	require.NoError(t, engine.Unlink(account))

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	assert.Nil(t, stored)

	got, err := db.GetEvent(database, "pilot-1", synced.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.SourceLocal, got.Source)
	assert.Empty(t, got.GoogleEventID)
}
