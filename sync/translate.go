// ABOUTME: Translation between Google Calendar items and local events
// ABOUTME: Handles dateTime/date duality, all-day end semantics, correlation ids
package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/harperreed/vcal/models"
)

// correlationProperty is the private extended-property key carrying the
// local event id inside a pushed remote item.
const correlationProperty = "app_event_id"

// parseGoogleTime converts a calendar EventDateTime into an instant and an
// all-day flag. Timed items carry RFC 3339 dateTime; all-day items carry a
// bare date interpreted at UTC midnight.
func parseGoogleTime(edt *calendar.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, fmt.Errorf("missing event time")
	}
	if edt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, edt.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unable to parse google dateTime %q: %w", edt.DateTime, err)
		}
		return t.UTC(), false, nil
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unable to parse google date %q: %w", edt.Date, err)
		}
		return t.UTC(), true, nil
	}
	return time.Time{}, false, fmt.Errorf("unknown google event time format")
}

// applyGoogleFields overwrites all remote-owned fields on a local event
// from the remote item. Google expresses all-day ends as an exclusive end
// date; locally the end is inclusive, so one second is subtracted.
func applyGoogleFields(event *models.Event, item *calendar.Event) error {
	start, allDay, err := parseGoogleTime(item.Start)
	if err != nil {
		return err
	}
	end, endAllDay, err := parseGoogleTime(item.End)
	if err != nil {
		return err
	}
	if allDay != endAllDay {
		allDay = false
	}
	if allDay {
		end = end.Add(-time.Second)
	}

	title := item.Summary
	if title == "" {
		title = "Untitled event"
	}

	event.Title = title
	event.Description = item.Description
	event.Start = start
	event.End = end
	event.AllDay = allDay
	event.GoogleEventID = item.Id
	event.GoogleEtag = item.Etag
	event.GoogleICalUID = item.ICalUID

	event.GoogleUpdated = nil
	if item.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			u := updated.UTC()
			event.GoogleUpdated = &u
		}
	}

	// Snapshot of the raw payload, kept for audit/debug only.
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("unable to snapshot google event: %w", err)
	}
	event.GoogleRaw = string(raw)

	return nil
}

// googleEventBody builds the remote payload for a local event, embedding
// the local id as a correlation property so a pull can re-associate it.
func googleEventBody(event *models.Event) *calendar.Event {
	body := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{
				correlationProperty: event.ID.String(),
			},
		},
	}

	if event.AllDay {
		// Exclusive end date on the wire: last covered day plus one.
		body.Start = &calendar.EventDateTime{Date: event.Start.UTC().Format("2006-01-02")}
		body.End = &calendar.EventDateTime{Date: event.End.UTC().AddDate(0, 0, 1).Format("2006-01-02")}
	} else {
		body.Start = &calendar.EventDateTime{
			DateTime: event.Start.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		}
		body.End = &calendar.EventDateTime{
			DateTime: event.End.UTC().Format(time.RFC3339),
			TimeZone: "UTC",
		}
	}
	return body
}

// correlationID extracts the app-assigned event id from a remote item.
func correlationID(item *calendar.Event) string {
	if item.ExtendedProperties == nil || item.ExtendedProperties.Private == nil {
		return ""
	}
	return item.ExtendedProperties.Private[correlationProperty]
}

// rawHasCorrelation reports whether a stored raw payload snapshot carries
// the correlation property, i.e. the remote item was app-created.
func rawHasCorrelation(raw string) bool {
	if raw == "" {
		return false
	}
	var payload struct {
		ExtendedProperties struct {
			Private map[string]string `json:"private"`
		} `json:"extendedProperties"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return false
	}
	return payload.ExtendedProperties.Private[correlationProperty] != ""
}

// normalizeTitle folds a title for dedup comparison.
func normalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
