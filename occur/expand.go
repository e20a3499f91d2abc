// ABOUTME: Expands stored events into concrete occurrences within a bounded window
// ABOUTME: Recurring events are materialized via RRULE with hard per-event caps
package occur

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/harperreed/vcal/models"
)

const (
	// maxOccurrencesPerEvent bounds expansion of any single recurring event.
	maxOccurrencesPerEvent = 200
	// maxWindowForward bounds how far into the future a window may reach.
	maxWindowForward = 365 * 24 * time.Hour
	// minDuration is the floor applied to degenerate event durations.
	minDuration = time.Minute

	defaultLookback  = 24 * time.Hour
	defaultLookahead = 90 * 24 * time.Hour
)

// InvalidWindowError reports a query window whose end does not follow its
// start.
type InvalidWindowError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid window: end %s is not after start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

// Window is a validated half-open-in-spirit query range. Both bounds are
// inclusive for occurrence overlap checks.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates a query range. Zero bounds take defaults (one day
// back, ninety days forward from now); the end is clamped to one year out.
func NewWindow(start, end, now time.Time) (Window, error) {
	now = now.UTC()
	if start.IsZero() {
		start = now.Add(-defaultLookback)
	}
	if end.IsZero() {
		end = now.Add(defaultLookahead)
	}
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return Window{}, &InvalidWindowError{Start: start, End: end}
	}
	if limit := now.Add(maxWindowForward); end.After(limit) {
		end = limit
	}
	return Window{Start: start, End: end}, nil
}

var freqMap = map[string]rrule.Frequency{
	models.FreqDaily:   rrule.DAILY,
	models.FreqWeekly:  rrule.WEEKLY,
	models.FreqMonthly: rrule.MONTHLY,
	models.FreqYearly:  rrule.YEARLY,
}

// Collect expands every event into its concrete occurrences overlapping the
// window, sorted ascending by start time.
func Collect(events []models.Event, window Window) ([]models.Occurrence, error) {
	var out []models.Occurrence
	for i := range events {
		occs, err := Expand(&events[i], window)
		if err != nil {
			return nil, err
		}
		out = append(out, occs...)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Start.Equal(out[b].Start) {
			return out[a].EventID.String() < out[b].EventID.String()
		}
		return out[a].Start.Before(out[b].Start)
	})
	return out, nil
}

// Expand materializes one event's occurrences overlapping the window.
func Expand(event *models.Event, window Window) ([]models.Occurrence, error) {
	duration := event.End.Sub(event.Start)
	if duration < minDuration {
		duration = minDuration
	}

	if !event.IsRecurring() {
		// An occurrence overlaps the window when it ends at or after the
		// window start and begins at or before the window end.
		end := event.Start.Add(duration)
		if end.Before(window.Start) || event.Start.After(window.End) {
			return nil, nil
		}
		return []models.Occurrence{occurrence(event, event.Start, end)}, nil
	}

	starts, err := recurrenceStarts(event, window)
	if err != nil {
		return nil, err
	}
	occs := make([]models.Occurrence, 0, len(starts))
	for _, start := range starts {
		occs = append(occs, occurrence(event, start, start.Add(duration)))
	}
	return occs, nil
}

func recurrenceStarts(event *models.Event, window Window) ([]time.Time, error) {
	opt := rrule.ROption{
		Freq:     freqMap[event.RecurrenceFrequency],
		Interval: event.RecurrenceInterval,
		Dtstart:  event.Start.UTC(),
	}
	if event.RecurrenceCount != nil {
		opt.Count = *event.RecurrenceCount
	}
	if until := recurrenceUntil(event); !until.IsZero() {
		opt.Until = until
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("failed to build recurrence rule for event %s: %w", event.ID, err)
	}

	// Only instances starting inside the window count; an instance that
	// began before window.Start is not produced even if it overlaps.
	starts := rule.Between(window.Start, window.End, true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}
	return starts, nil
}

// recurrenceUntil derives the inclusive UNTIL instant from the stored end
// date. All-day series run through the end of that day; timed series stop
// at the series' own time of day.
func recurrenceUntil(event *models.Event) time.Time {
	if event.RecurrenceEndDate == nil {
		return time.Time{}
	}
	d := event.RecurrenceEndDate.UTC()
	if event.AllDay {
		return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)
	}
	s := event.Start.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), s.Hour(), s.Minute(), s.Second(), 0, time.UTC)
}

func occurrence(event *models.Event, start, end time.Time) models.Occurrence {
	return models.Occurrence{
		EventID:             event.ID,
		OccurrenceID:        fmt.Sprintf("%s:%s", event.ID, start.UTC().Format(time.RFC3339)),
		Title:               event.Title,
		Description:         event.Description,
		Start:               start.UTC(),
		End:                 end.UTC(),
		AllDay:              event.AllDay,
		Source:              event.Source,
		IsRecurring:         event.IsRecurring(),
		RecurrenceFrequency: event.RecurrenceFrequency,
		RecurrenceInterval:  event.RecurrenceInterval,
	}
}
