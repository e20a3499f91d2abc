// ABOUTME: Classification of inbound mail as schedule-related and the parser boundary
// ABOUTME: Parsing of message text into event fields happens behind EventParser
package sync

import (
	"context"
	"regexp"
	"time"
)

// ParsedEvent is the structured result of reading an event out of free-form
// message text.
type ParsedEvent struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
}

// EventParser turns message text into a concrete event. Implementations
// decide how; a nil result with a nil error means the text held no event.
type EventParser interface {
	Parse(ctx context.Context, text string) (*ParsedEvent, error)
}

// Signal categories checked against a message before it is handed to the
// parser. Each category counts at most once regardless of how often it
// matches.
var calendarSignals = []*regexp.Regexp{
	// scheduling verbs
	regexp.MustCompile(`(?i)\b(meeting|appointment|schedule[ds]?|reschedule[ds]?|invite[ds]?|invitation|rsvp|book(ed|ing)?)\b`),
	// calendar nouns
	regexp.MustCompile(`(?i)\b(calendar|event|flight|lesson|session|check[- ]?ride|briefing)\b`),
	// clock times, e.g. 3pm, 14:30, 9:00 AM
	regexp.MustCompile(`(?i)\b\d{1,2}(:\d{2})?\s?(am|pm)\b|\b\d{1,2}:\d{2}\b`),
	// dates, e.g. 2026-03-14, 3/14, March 14, Mar 14th
	regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}(/\d{2,4})?\b|\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?\b`),
	// weekday references
	regexp.MustCompile(`(?i)\b(monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|next week)\b`),
}

// isCalendarRelated reports whether text looks like it describes a
// scheduled event. At least two independent signal categories must match;
// a lone date or a lone keyword is not enough.
func isCalendarRelated(text string) bool {
	if text == "" {
		return false
	}
	hits := 0
	for _, re := range calendarSignals {
		if re.MatchString(text) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}
