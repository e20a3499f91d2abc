// ABOUTME: CLI commands for running reconciliation and remote event operations
// ABOUTME: Wraps the sync engine for one-shot command-line use
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"

	"github.com/google/uuid"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
	"github.com/harperreed/vcal/sync"
)

func requireAccount(database *sql.DB, pilot string) (*models.GoogleAccount, error) {
	if pilot == "" {
		return nil, fmt.Errorf("--pilot is required")
	}
	account, err := db.GetAccountByPilot(database, pilot)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("no linked Google account for %s (run 'vcal auth' first)", pilot)
	}
	return account, nil
}

// SyncCommand runs a full reconciliation for one pilot.
func SyncCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	account, err := requireAccount(database, *pilot)
	if err != nil {
		return err
	}

	fmt.Printf("Syncing calendar for %s...\n", *pilot)
	fmt.Println("  → Pulling remote changes...")

	manager := sync.NewManager(cfg, database)
	engine := sync.NewEngine(cfg, database, manager)

	stats, err := engine.Run(context.Background(), account)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	fmt.Printf("  ✓ Pulled: %d created, %d updated, %d deleted, %d ignored\n",
		stats.Created, stats.Updated, stats.Deleted, stats.Ignored)
	fmt.Printf("  ✓ Merged: %d linked, %d deduplicated, %d remote copies removed\n",
		stats.Linked, stats.Deduped, stats.RemoteDeleted)
	fmt.Printf("  ✓ Pushed: %d local events\n", stats.Pushed)
	return nil
}

// PushCommand pushes a single event to the remote calendar.
func PushCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	eventID := fs.String("event", "", "Event id (required)")
	_ = fs.Parse(args)

	account, err := requireAccount(database, *pilot)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(*eventID)
	if err != nil {
		return fmt.Errorf("invalid event id: %w", err)
	}
	event, err := db.GetEvent(database, *pilot, id)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("event %s not found", *eventID)
	}

	manager := sync.NewManager(cfg, database)
	engine := sync.NewEngine(cfg, database, manager)
	if err := engine.PushEvent(context.Background(), account, event); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Printf("✓ Pushed %q (remote id %s)\n", event.Title, event.GoogleEventID)
	return nil
}

// DeleteEventCommand deletes an event locally and, when linked, remotely.
func DeleteEventCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	eventID := fs.String("event", "", "Event id (required)")
	localOnly := fs.Bool("local-only", false, "Skip the remote delete")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}
	id, err := uuid.Parse(*eventID)
	if err != nil {
		return fmt.Errorf("invalid event id: %w", err)
	}
	event, err := db.GetEvent(database, *pilot, id)
	if err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("event %s not found", *eventID)
	}

	if !*localOnly && event.Linked() {
		account, err := requireAccount(database, *pilot)
		if err != nil {
			return err
		}
		manager := sync.NewManager(cfg, database)
		engine := sync.NewEngine(cfg, database, manager)
		if err := engine.DeleteRemote(context.Background(), account, event); err != nil {
			// The local delete still proceeds; the next sync run picks up
			// whatever is left remotely.
			fmt.Printf("  → Remote delete failed (%v), deleting locally anyway\n", err)
		} else {
			fmt.Println("  ✓ Remote copy deleted")
		}
	}

	if err := db.DeleteEvent(database, event.ID); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted %q\n", event.Title)
	return nil
}
