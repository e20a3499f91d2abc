// ABOUTME: Imports training-portal ICS feeds into the local store
// ABOUTME: Fetches a feed URL, parses VEVENTs, and upserts events keyed by UID
package icsfeed

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/charmbracelet/log"

	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

const (
	fetchTimeout = 15 * time.Second
	// maxFeedBytes caps how much of a feed body is read.
	maxFeedBytes = 10 << 20

	defaultTimedDuration = time.Hour
)

// Result summarizes one feed import.
type Result struct {
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Skipped      int    `json:"skipped"`
	FeedURL      string `json:"feed_url"`
	UsedSavedURL bool   `json:"used_saved_url"`
}

// Importer pulls ICS feeds and materializes their events for a pilot.
type Importer struct {
	database *sql.DB
	client   *http.Client
	log      *log.Logger
	now      func() time.Time
}

func NewImporter(database *sql.DB) *Importer {
	return &Importer{
		database: database,
		client:   &http.Client{Timeout: fetchTimeout},
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "icsfeed"}),
		now:      time.Now,
	}
}

// Import fetches and applies a feed for the pilot. An empty feedURL falls
// back to the pilot's saved feed; an explicit URL is saved for next time.
func (imp *Importer) Import(ctx context.Context, pilotID, feedURL string) (Result, error) {
	var result Result

	if feedURL == "" {
		feed, err := db.GetFeed(imp.database, pilotID)
		if err != nil {
			return result, err
		}
		if feed == nil {
			return result, fmt.Errorf("no feed URL given and none saved for %s", pilotID)
		}
		feedURL = feed.URL
		result.UsedSavedURL = true
	} else if err := db.UpsertFeed(imp.database, pilotID, feedURL); err != nil {
		return result, err
	}
	result.FeedURL = feedURL

	body, err := imp.fetch(ctx, feedURL)
	if err != nil {
		return result, err
	}
	cal, err := ical.ParseCalendar(strings.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("failed to parse ICS feed: %w", err)
	}

	for _, ve := range cal.Events() {
		outcome, err := imp.applyVEvent(pilotID, ve)
		if err != nil {
			return result, err
		}
		switch outcome {
		case "created":
			result.Created++
		case "updated":
			result.Updated++
		default:
			result.Skipped++
		}
	}

	if err := db.TouchFeedImported(imp.database, pilotID, imp.now().UTC()); err != nil {
		return result, err
	}
	imp.log.Info("feed imported", "pilot", pilotID,
		"created", result.Created, "updated", result.Updated, "skipped", result.Skipped)
	return result, nil
}

func (imp *Importer) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build feed request: %w", err)
	}
	resp, err := imp.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("feed fetch returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read feed body: %w", err)
	}
	return string(data), nil
}

// applyVEvent upserts one VEVENT keyed by (pilot, UID). Events without a
// UID are skipped; they cannot be re-imported idempotently.
func (imp *Importer) applyVEvent(pilotID string, ve *ical.VEvent) (string, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return "skipped", nil
	}
	uid := uidProp.Value

	title := "Imported event"
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		title = p.Value
	}

	allDay := false
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
		if !strings.Contains(p.Value, "T") {
			allDay = true
		}
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return "skipped", nil
	}
	start = start.UTC()

	end, endErr := ve.GetEndAt()
	if endErr != nil || !end.After(start) {
		if allDay {
			end = start.Add(24*time.Hour - time.Second)
		} else {
			end = start.Add(defaultTimedDuration)
		}
	} else {
		end = end.UTC()
		if allDay {
			// ICS all-day DTEND is exclusive; store inclusive.
			end = end.Add(-time.Second)
		}
	}

	description := ""
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		description = cleanDescription(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil && p.Value != "" {
		if description != "" {
			description += "\n"
		}
		description += "Location: " + p.Value
	}

	existing, err := db.GetEventByICalUID(imp.database, pilotID, uid)
	if err != nil {
		return "", err
	}
	if existing != nil {
		existing.Title = title
		existing.Description = description
		existing.Start = start
		existing.End = end
		existing.AllDay = allDay
		// The feed owns this UID now. A row previously linked to Google
		// reverts to an imported event so the engine stops pushing it.
		existing.Source = models.SourceImported
		existing.GoogleEventID = ""
		existing.GoogleEtag = ""
		existing.GoogleUpdated = nil
		existing.GoogleRaw = ""
		if err := db.UpdateEvent(imp.database, existing); err != nil {
			return "", err
		}
		return "updated", nil
	}

	event := &models.Event{
		PilotID:             pilotID,
		Title:               title,
		Description:         description,
		Start:               start,
		End:                 end,
		AllDay:              allDay,
		Source:              models.SourceImported,
		GoogleICalUID:       uid,
		RecurrenceFrequency: models.FreqNone,
		RecurrenceInterval:  1,
	}
	if err := db.CreateEvent(imp.database, event); err != nil {
		return "", err
	}
	return "created", nil
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// cleanDescription strips tracking URLs and collapses the whitespace
// feeds tend to carry.
func cleanDescription(s string) string {
	s = urlPattern.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
