// ABOUTME: Thin Gmail API wrapper behind a narrow interface for watch and message access
// ABOUTME: Includes plain-text body extraction from nested multipart payloads
package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/harperreed/vcal/config"
)

// WatchResult carries what the remote returns when a push subscription is
// registered: the mailbox position the subscription starts from and when
// the channel expires.
type WatchResult struct {
	HistoryID uint64
	Expiry    time.Time
}

// MailboxAPI is the slice of the Gmail surface the ingestor needs.
type MailboxAPI interface {
	Watch(ctx context.Context, topic string) (*WatchResult, error)
	Stop(ctx context.Context) error
	ListRecent(ctx context.Context, max int64) ([]string, error)
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
}

// GoogleMailbox implements MailboxAPI over the real Gmail service.
type GoogleMailbox struct {
	svc     *gmail.Service
	timeout time.Duration
}

// NewGoogleMailbox builds a mailbox client authenticated as the account
// behind token.
func NewGoogleMailbox(ctx context.Context, cfg *config.Config, oauthCfg *oauth2.Config, token *oauth2.Token) (*GoogleMailbox, error) {
	client := oauthCfg.Client(ctx, token)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return &GoogleMailbox{svc: svc, timeout: cfg.APITimeout}, nil
}

func (m *GoogleMailbox) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *GoogleMailbox) Watch(ctx context.Context, topic string) (*WatchResult, error) {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()

	resp, err := m.svc.Users.Watch("me", &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	result := &WatchResult{HistoryID: resp.HistoryId}
	if resp.Expiration > 0 {
		result.Expiry = time.UnixMilli(resp.Expiration).UTC()
	}
	return result, nil
}

func (m *GoogleMailbox) Stop(ctx context.Context) error {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.svc.Users.Stop("me").Context(ctx).Do()
}

func (m *GoogleMailbox) ListRecent(ctx context.Context, max int64) ([]string, error) {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()

	resp, err := m.svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(max).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		ids = append(ids, msg.Id)
	}
	return ids, nil
}

func (m *GoogleMailbox) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	ctx, cancel := m.callCtx(ctx)
	defer cancel()
	return m.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
}

// messageText extracts the plain-text body of a message, walking nested
// multipart payloads and decoding base64url part data. Returns "" when the
// message carries no text/plain part.
func messageText(msg *gmail.Message) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	return partText(msg.Payload)
}

func partText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
		if err != nil {
			return ""
		}
		return string(data)
	}
	for _, child := range part.Parts {
		if text := partText(child); text != "" {
			return text
		}
	}
	return ""
}

// messageSubject returns the Subject header, or "" when absent.
func messageSubject(msg *gmail.Message) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	for _, h := range msg.Payload.Headers {
		if h.Name == "Subject" {
			return h.Value
		}
	}
	return ""
}
