// ABOUTME: Tests for schedule entity models
// ABOUTME: Verifies Event invariants and recurrence normalization
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventValidateEndBeforeStart(t *testing.T) {
	now := time.Now()
	event := Event{
		Title:               "Checkride",
		Start:               now,
		End:                 now.Add(-time.Hour),
		Source:              SourceLocal,
		RecurrenceFrequency: FreqNone,
		RecurrenceInterval:  1,
	}

	err := event.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "before start")
}

func TestEventValidateRecurrence(t *testing.T) {
	now := time.Now()
	count := 3
	endDate := now.AddDate(0, 1, 0)

	testCases := []struct {
		name    string
		mutate  func(*Event)
		wantErr bool
	}{
		{"valid weekly", func(e *Event) { e.RecurrenceFrequency = FreqWeekly }, false},
		{"zero interval", func(e *Event) { e.RecurrenceInterval = 0 }, true},
		{"zero count", func(e *Event) {
			zero := 0
			e.RecurrenceFrequency = FreqDaily
			e.RecurrenceCount = &zero
		}, true},
		{"count and end date together", func(e *Event) {
			e.RecurrenceFrequency = FreqDaily
			e.RecurrenceCount = &count
			e.RecurrenceEndDate = &endDate
		}, true},
		{"unknown frequency", func(e *Event) { e.RecurrenceFrequency = "fortnightly" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			event := Event{
				Title:               "Ground school",
				Start:               now,
				End:                 now.Add(time.Hour),
				Source:              SourceLocal,
				RecurrenceFrequency: FreqNone,
				RecurrenceInterval:  1,
			}
			tc.mutate(&event)

			err := event.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeRecurrenceClearsBoundsWhenNone(t *testing.T) {
	count := 5
	endDate := time.Now().AddDate(0, 2, 0)
	event := Event{
		RecurrenceFrequency: FreqNone,
		RecurrenceCount:     &count,
		RecurrenceEndDate:   &endDate,
	}

	event.NormalizeRecurrence()

	assert.Nil(t, event.RecurrenceCount)
	assert.Nil(t, event.RecurrenceEndDate)
	assert.Equal(t, 1, event.RecurrenceInterval)
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	soon := now.Add(10 * time.Second)
	past := now.Add(-time.Hour)

	testCases := []struct {
		name    string
		account GoogleAccount
		expired bool
	}{
		{"no token at all", GoogleAccount{}, true},
		{"no expiry recorded", GoogleAccount{AccessToken: "tok"}, false},
		{"valid for an hour", GoogleAccount{AccessToken: "tok", TokenExpiry: &future}, false},
		{"inside skew margin", GoogleAccount{AccessToken: "tok", TokenExpiry: &soon}, true},
		{"already expired", GoogleAccount{AccessToken: "tok", TokenExpiry: &past}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expired, tc.account.TokenExpired(now))
		})
	}
}
