// ABOUTME: Calendar API client wrapper for Google Calendar integration
// ABOUTME: Narrow capability interface with rate limiting and per-call timeouts
package sync

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/harperreed/vcal/config"
)

const (
	primaryCalendar = "primary"
	maxResults      = 250 // Google Calendar API max per page
)

// ListParams narrows the calendar list call to what the engine needs.
type ListParams struct {
	SyncToken   string
	TimeMin     time.Time
	PageToken   string
	ShowDeleted bool
}

// CalendarAPI is the capability surface the reconciliation engine consumes.
// The real implementation talks to Google; tests substitute a fake.
type CalendarAPI interface {
	List(ctx context.Context, params ListParams) (*calendar.Events, error)
	Insert(ctx context.Context, body *calendar.Event) (*calendar.Event, error)
	Patch(ctx context.Context, eventID string, body *calendar.Event) (*calendar.Event, error)
	Delete(ctx context.Context, eventID string) error
}

// GoogleCalendar implements CalendarAPI against the primary calendar of the
// authorized account.
type GoogleCalendar struct {
	service *calendar.Service
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGoogleCalendar creates a Calendar API client from an OAuth token.
func NewGoogleCalendar(ctx context.Context, cfg *config.Config, oauthCfg *oauth2.Config, token *oauth2.Token) (*GoogleCalendar, error) {
	if token == nil {
		return nil, fmt.Errorf("token cannot be nil")
	}

	client := oauthCfg.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &GoogleCalendar{
		service: service,
		limiter: rate.NewLimiter(rate.Limit(cfg.APIRateLimit), 1),
		timeout: cfg.APITimeout,
	}, nil
}

func (c *GoogleCalendar) callContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	return callCtx, cancel, nil
}

func (c *GoogleCalendar) List(ctx context.Context, params ListParams) (*calendar.Events, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	call := c.service.Events.List(primaryCalendar).
		MaxResults(maxResults).
		SingleEvents(true).
		ShowDeleted(params.ShowDeleted).
		Context(callCtx)

	if params.SyncToken != "" {
		call = call.SyncToken(params.SyncToken)
	} else if !params.TimeMin.IsZero() {
		call = call.TimeMin(params.TimeMin.Format(time.RFC3339))
	}
	if params.PageToken != "" {
		call = call.PageToken(params.PageToken)
	}

	return call.Do()
}

func (c *GoogleCalendar) Insert(ctx context.Context, body *calendar.Event) (*calendar.Event, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	return c.service.Events.Insert(primaryCalendar, body).
		SendUpdates("all").
		Context(callCtx).
		Do()
}

func (c *GoogleCalendar) Patch(ctx context.Context, eventID string, body *calendar.Event) (*calendar.Event, error) {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	return c.service.Events.Patch(primaryCalendar, eventID, body).
		SendUpdates("all").
		Context(callCtx).
		Do()
}

func (c *GoogleCalendar) Delete(ctx context.Context, eventID string) error {
	callCtx, cancel, err := c.callContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	return c.service.Events.Delete(primaryCalendar, eventID).
		SendUpdates("all").
		Context(callCtx).
		Do()
}
