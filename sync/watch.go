// ABOUTME: Gmail push-subscription lifecycle and inbound notification handling
// ABOUTME: Registers, renews, and stops watch channels and turns mail into local events
package sync

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

const (
	// defaultWatchTTL is assumed when the remote omits an expiry.
	defaultWatchTTL = 7 * 24 * time.Hour
	// renewalLead is how far before expiry a channel becomes due for renewal.
	renewalLead = 24 * time.Hour
	// notificationBatch caps how many recent messages one notification inspects.
	notificationBatch = 10
)

// Ingestor manages Gmail push subscriptions and converts schedule-related
// inbound mail into local events.
type Ingestor struct {
	cfg      *config.Config
	database *sql.DB
	creds    *Manager
	parser   EventParser

	newMailbox func(ctx context.Context, account *models.GoogleAccount) (MailboxAPI, error)
	log        *log.Logger
	now        func() time.Time
}

// RenewalReport summarizes one renewal sweep.
type RenewalReport struct {
	Due     int `json:"due"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
}

// NewIngestor builds an ingestor over the given store and credential
// manager. parser may be nil; notifications then log matches without
// creating events.
func NewIngestor(cfg *config.Config, database *sql.DB, creds *Manager, parser EventParser) *Ingestor {
	i := &Ingestor{
		cfg:      cfg,
		database: database,
		creds:    creds,
		parser:   parser,
		log:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "watch"}),
		now:      time.Now,
	}
	i.newMailbox = func(ctx context.Context, account *models.GoogleAccount) (MailboxAPI, error) {
		token, err := creds.Token(ctx, account)
		if err != nil {
			return nil, err
		}
		return NewGoogleMailbox(ctx, cfg, creds.OAuthConfig(), token)
	}
	return i
}

// Start registers a push subscription for the account's mailbox and records
// the resulting channel state.
func (i *Ingestor) Start(ctx context.Context, account *models.GoogleAccount) error {
	if i.cfg.GooglePubSubTopic == "" {
		return fmt.Errorf("%w: GOOGLE_PUBSUB_TOPIC is not set", ErrConfiguration)
	}

	mailbox, err := i.newMailbox(ctx, account)
	if err != nil {
		return err
	}

	result, err := mailbox.Watch(ctx, i.cfg.GooglePubSubTopic)
	if err != nil {
		return transportErr("watch register", err)
	}

	channelID := fmt.Sprintf("vcal-gmail-%s-%s", account.PilotID, uuid.NewString()[:8])
	resourceID := strconv.FormatUint(result.HistoryID, 10)
	expiry := result.Expiry
	if expiry.IsZero() {
		expiry = i.now().UTC().Add(defaultWatchTTL)
	}

	if err := db.UpdateWatch(i.database, account.ID, channelID, resourceID, &expiry); err != nil {
		return err
	}
	account.WatchChannelID = channelID
	account.WatchResourceID = resourceID
	account.WatchExpiresAt = &expiry

	i.log.Info("watch registered", "pilot", account.PilotID, "channel", channelID, "expires", expiry)
	return nil
}

// Stop tears down the push subscription. Local channel state is cleared
// even when the remote stop call fails, so a half-dead channel cannot pin
// the account in a watching state.
func (i *Ingestor) Stop(ctx context.Context, account *models.GoogleAccount) error {
	var remoteErr error
	mailbox, err := i.newMailbox(ctx, account)
	if err != nil {
		remoteErr = err
	} else if err := mailbox.Stop(ctx); err != nil {
		remoteErr = transportErr("watch stop", err)
		i.log.Warn("remote watch stop failed, clearing local state anyway",
			"pilot", account.PilotID, "error", err)
	}

	if err := db.ClearWatch(i.database, account.ID); err != nil {
		return err
	}
	account.WatchChannelID = ""
	account.WatchResourceID = ""
	account.WatchExpiresAt = nil
	return remoteErr
}

// RenewDue renews every channel expiring within the renewal lead. A failed
// renewal is counted and logged, never aborts the sweep.
func (i *Ingestor) RenewDue(ctx context.Context) (RenewalReport, error) {
	now := i.now().UTC()
	due, err := db.ListWatchesExpiring(i.database, now, now.Add(renewalLead))
	if err != nil {
		return RenewalReport{}, err
	}

	report := RenewalReport{Due: len(due)}
	for idx := range due {
		account := &due[idx]
		if err := i.Stop(ctx, account); err != nil {
			i.log.Warn("watch stop during renewal failed", "pilot", account.PilotID, "error", err)
		}
		if err := i.Start(ctx, account); err != nil {
			report.Failed++
			i.log.Error("watch renewal failed", "pilot", account.PilotID, "error", err)
			continue
		}
		report.Renewed++
	}
	return report, nil
}

// Status reports the push-subscription state for an account.
func (i *Ingestor) Status(account *models.GoogleAccount) models.WatchStatus {
	status := models.WatchStatus{
		ChannelID: account.WatchChannelID,
		ExpiresAt: account.WatchExpiresAt,
	}
	if account.WatchChannelID == "" || account.WatchExpiresAt == nil {
		return status
	}
	now := i.now().UTC()
	status.Active = account.WatchExpiresAt.After(now)
	status.NeedsRenewal = status.Active && account.WatchExpiresAt.Before(now.Add(renewalLead))
	return status
}

// pushEnvelope is the Pub/Sub push delivery wrapper.
type pushEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

// watchPayload is the Gmail notification carried inside the envelope data.
type watchPayload struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// NotificationResult summarizes the handling of one push notification.
type NotificationResult struct {
	Inspected int `json:"inspected"`
	Skipped   int `json:"skipped"`
	Created   int `json:"created"`
}

// HandleNotification processes one raw Pub/Sub push body: decode, resolve
// the account by mailbox address, then inspect recent messages exactly
// once each, creating local events from the ones that parse.
func (i *Ingestor) HandleNotification(ctx context.Context, body []byte) (NotificationResult, error) {
	var result NotificationResult

	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return result, fmt.Errorf("failed to decode push envelope: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return result, fmt.Errorf("failed to decode notification data: %w", err)
	}
	var payload watchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return result, fmt.Errorf("failed to decode notification payload: %w", err)
	}

	account, err := db.GetAccountByEmail(i.database, payload.EmailAddress)
	if err != nil {
		return result, err
	}
	if account == nil {
		i.log.Warn("notification for unknown mailbox", "email", payload.EmailAddress)
		return result, nil
	}

	mailbox, err := i.newMailbox(ctx, account)
	if err != nil {
		return result, err
	}
	ids, err := mailbox.ListRecent(ctx, notificationBatch)
	if err != nil {
		return result, transportErr("messages list", err)
	}

	for _, id := range ids {
		created, err := i.inspectMessage(ctx, mailbox, account, id)
		if err != nil {
			return result, err
		}
		switch created {
		case inspectCreated:
			result.Inspected++
			result.Created++
		case inspectSkipped:
			result.Inspected++
			result.Skipped++
		case inspectSeen:
			// already processed earlier, not counted as inspected
		}
	}
	return result, nil
}

type inspectOutcome int

const (
	inspectSeen inspectOutcome = iota
	inspectSkipped
	inspectCreated
)

// inspectMessage examines one message at most once per account. A message
// is marked processed as soon as it has been inspected, whatever the
// outcome, so a burst of notifications cannot create duplicate events.
func (i *Ingestor) inspectMessage(ctx context.Context, mailbox MailboxAPI, account *models.GoogleAccount, messageID string) (inspectOutcome, error) {
	seen, err := db.CheckMessageProcessed(i.database, account.PilotID, messageID)
	if err != nil {
		return inspectSeen, err
	}
	if seen {
		return inspectSeen, nil
	}
	if err := db.MarkMessageProcessed(i.database, account.PilotID, messageID); err != nil {
		return inspectSeen, err
	}

	msg, err := mailbox.GetMessage(ctx, messageID)
	if err != nil {
		return inspectSkipped, transportErr("message get", err)
	}

	text := messageText(msg)
	if text == "" {
		text = messageSubject(msg)
	}
	if !isCalendarRelated(text) {
		return inspectSkipped, nil
	}
	if i.parser == nil {
		i.log.Info("schedule-related message found, no parser configured",
			"pilot", account.PilotID, "message", messageID)
		return inspectSkipped, nil
	}

	parsed, err := i.parser.Parse(ctx, text)
	if err != nil {
		// A message the parser cannot read is skipped, not fatal.
		i.log.Warn("message parse failed", "pilot", account.PilotID, "message", messageID, "error", err)
		return inspectSkipped, nil
	}
	if parsed == nil {
		return inspectSkipped, nil
	}

	event := &models.Event{
		PilotID:             account.PilotID,
		Title:               parsed.Title,
		Description:         parsed.Description,
		Start:               parsed.Start,
		End:                 parsed.End,
		AllDay:              parsed.AllDay,
		Source:              models.SourceLocal,
		RecurrenceFrequency: models.FreqNone,
		RecurrenceInterval:  1,
	}
	if parsed.Location != "" {
		if event.Description != "" {
			event.Description += "\n"
		}
		event.Description += "Location: " + parsed.Location
	}
	if err := db.CreateEvent(i.database, event); err != nil {
		return inspectSkipped, err
	}
	i.log.Info("event created from message", "pilot", account.PilotID, "event", event.ID, "title", event.Title)
	return inspectCreated, nil
}
