// ABOUTME: CLI commands for local event management and occurrence queries
// ABOUTME: Add and list events, expand recurrences over a window, import ICS feeds
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/icsfeed"
	"github.com/harperreed/vcal/models"
	"github.com/harperreed/vcal/occur"
)

// AddEventCommand creates a local event.
func AddEventCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("add-event", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	title := fs.String("title", "", "Event title (required)")
	description := fs.String("description", "", "Event description")
	start := fs.String("start", "", "Start time, RFC 3339 (required)")
	end := fs.String("end", "", "End time, RFC 3339 (defaults to start + 1h)")
	allDay := fs.Bool("all-day", false, "All-day event")
	freq := fs.String("repeat", "", "Recurrence: daily, weekly, monthly, yearly")
	interval := fs.Int("interval", 1, "Recurrence interval")
	count := fs.Int("count", 0, "Number of recurrences (0 = unbounded)")
	until := fs.String("until", "", "Recurrence end date, YYYY-MM-DD")
	_ = fs.Parse(args)

	if *pilot == "" || *title == "" || *start == "" {
		return fmt.Errorf("--pilot, --title and --start are required")
	}

	startTime, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		return fmt.Errorf("invalid start time: %w", err)
	}
	endTime := startTime.Add(time.Hour)
	if *end != "" {
		endTime, err = time.Parse(time.RFC3339, *end)
		if err != nil {
			return fmt.Errorf("invalid end time: %w", err)
		}
	}

	event := &models.Event{
		PilotID:             *pilot,
		Title:               *title,
		Description:         *description,
		Start:               startTime.UTC(),
		End:                 endTime.UTC(),
		AllDay:              *allDay,
		Source:              models.SourceLocal,
		RecurrenceFrequency: models.FreqNone,
		RecurrenceInterval:  *interval,
	}
	if *freq != "" {
		event.RecurrenceFrequency = *freq
	}
	if *count > 0 {
		event.RecurrenceCount = count
	}
	if *until != "" {
		d, err := time.Parse("2006-01-02", *until)
		if err != nil {
			return fmt.Errorf("invalid until date: %w", err)
		}
		event.RecurrenceEndDate = &d
	}

	if err := db.CreateEvent(database, event); err != nil {
		return err
	}
	fmt.Printf("✓ Created event %s: %q\n", event.ID, event.Title)
	return nil
}

// ListEventsCommand prints a pilot's stored events.
func ListEventsCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("list-events", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	source := fs.String("source", "", "Filter by source: local, google, synced, imported")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}

	var events []models.Event
	var err error
	if *source != "" {
		events, err = db.ListEventsBySource(database, *pilot, *source)
	} else {
		events, err = db.ListEvents(database, *pilot)
	}
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}
	fmt.Printf("Found %d event(s):\n\n", len(events))
	for i := range events {
		e := &events[i]
		marker := " "
		if e.Linked() {
			marker = "↔"
		}
		fmt.Printf("%s %s  %s → %s  [%s] %s\n",
			marker, e.ID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Source, e.Title)
		if e.IsRecurring() {
			fmt.Printf("    repeats %s every %d\n", e.RecurrenceFrequency, e.RecurrenceInterval)
		}
	}
	return nil
}

// OccurrencesCommand expands a pilot's events over a window and prints the
// concrete occurrences.
func OccurrencesCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("occurrences", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	from := fs.String("from", "", "Window start, RFC 3339 (default: 1 day ago)")
	to := fs.String("to", "", "Window end, RFC 3339 (default: 90 days ahead)")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}

	var start, end time.Time
	var err error
	if *from != "" {
		start, err = time.Parse(time.RFC3339, *from)
		if err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if *to != "" {
		end, err = time.Parse(time.RFC3339, *to)
		if err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	window, err := occur.NewWindow(start, end, time.Now())
	if err != nil {
		return err
	}

	events, err := db.ListEvents(database, *pilot)
	if err != nil {
		return err
	}
	occurrences, err := occur.Collect(events, window)
	if err != nil {
		return err
	}

	fmt.Printf("%d occurrence(s) between %s and %s:\n\n",
		len(occurrences), window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	for _, o := range occurrences {
		day := ""
		if o.AllDay {
			day = " (all day)"
		}
		fmt.Printf("  %s → %s%s  %s\n", o.Start.Format(time.RFC3339), o.End.Format(time.RFC3339), day, o.Title)
	}
	return nil
}

// ImportICSCommand imports a training-portal ICS feed for a pilot.
func ImportICSCommand(database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("import-ics", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	feedURL := fs.String("url", "", "Feed URL (defaults to the saved feed)")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}

	fmt.Println("Importing ICS feed...")
	importer := icsfeed.NewImporter(database)
	result, err := importer.Import(context.Background(), *pilot, *feedURL)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if result.UsedSavedURL {
		fmt.Printf("  → Using saved feed %s\n", result.FeedURL)
	}
	fmt.Printf("  ✓ %d created, %d updated, %d skipped\n", result.Created, result.Updated, result.Skipped)
	return nil
}
