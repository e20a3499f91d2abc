// ABOUTME: CLI commands for Gmail push-subscription management
// ABOUTME: Start, stop, and inspect watch channels plus the renewal daemon
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/sync"
)

// WatchStartCommand registers a Gmail push subscription for a pilot.
func WatchStartCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("watch start", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	account, err := requireAccount(database, *pilot)
	if err != nil {
		return err
	}

	manager := sync.NewManager(cfg, database)
	ingestor := sync.NewIngestor(cfg, database, manager, nil)
	if err := ingestor.Start(context.Background(), account); err != nil {
		return fmt.Errorf("failed to start watch: %w", err)
	}

	fmt.Printf("✓ Watching mailbox for %s (channel %s, expires %s)\n",
		*pilot, account.WatchChannelID, account.WatchExpiresAt.Format(time.RFC3339))
	return nil
}

// WatchStopCommand tears down a pilot's push subscription.
func WatchStopCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("watch stop", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	account, err := requireAccount(database, *pilot)
	if err != nil {
		return err
	}

	manager := sync.NewManager(cfg, database)
	ingestor := sync.NewIngestor(cfg, database, manager, nil)
	if err := ingestor.Stop(context.Background(), account); err != nil {
		fmt.Printf("  → Remote stop failed (%v), local state cleared\n", err)
	}

	fmt.Printf("✓ Stopped watching mailbox for %s\n", *pilot)
	return nil
}

// WatchStatusCommand prints the subscription state for a pilot.
func WatchStatusCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("watch status", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	account, err := requireAccount(database, *pilot)
	if err != nil {
		return err
	}

	manager := sync.NewManager(cfg, database)
	ingestor := sync.NewIngestor(cfg, database, manager, nil)
	status := ingestor.Status(account)

	if !status.Active {
		fmt.Printf("No active watch for %s\n", *pilot)
		return nil
	}
	fmt.Printf("Watch for %s:\n", *pilot)
	fmt.Printf("  channel:  %s\n", status.ChannelID)
	fmt.Printf("  expires:  %s\n", status.ExpiresAt.Format(time.RFC3339))
	if status.NeedsRenewal {
		fmt.Println("  ⚠ expires within 24h, renewal due")
	}
	return nil
}

// WatchDaemonCommand runs the renewal sweep on a schedule until
// interrupted. One sweep runs immediately at startup.
func WatchDaemonCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("watch daemon", flag.ExitOnError)
	schedule := fs.String("schedule", "0 3 * * *", "Cron schedule for renewal sweeps")
	_ = fs.Parse(args)

	manager := sync.NewManager(cfg, database)
	ingestor := sync.NewIngestor(cfg, database, manager, nil)

	sweep := func() {
		report, err := ingestor.RenewDue(context.Background())
		if err != nil {
			fmt.Printf("  ✗ Renewal sweep failed: %v\n", err)
			return
		}
		fmt.Printf("  ✓ Renewal sweep: %d due, %d renewed, %d failed\n",
			report.Due, report.Renewed, report.Failed)
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, sweep); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", *schedule, err)
	}

	fmt.Printf("Watch renewal daemon running (schedule %q). Ctrl-C to stop.\n", *schedule)
	sweep()
	c.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx := c.Stop()
	<-ctx.Done()
	fmt.Println("\n✓ Daemon stopped")
	return nil
}
