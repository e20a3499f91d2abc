// ABOUTME: Entry point for the vcal CLI
// ABOUTME: Loads configuration, opens the database, and routes subcommands
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/vcal/cli"
	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
)

const version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "Database path (default: ~/.local/share/vcal/vcal.db)")
	initOnly := flag.Bool("init", false, "Initialize database and exit")

	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("vcal version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}

	database, err := db.OpenDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if *initOnly {
		log.Printf("Database initialized at %s", cfg.DatabasePath)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "auth":
		if err := cli.AuthCommand(cfg, database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "unlink":
		if err := cli.UnlinkCommand(cfg, database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "sync":
		if err := cli.SyncCommand(cfg, database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "push":
		if err := cli.PushCommand(cfg, database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "delete":
		if err := cli.DeleteEventCommand(cfg, database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "add-event":
		if err := cli.AddEventCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "list-events":
		if err := cli.ListEventsCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "occurrences":
		if err := cli.OccurrencesCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}
	case "import-ics":
		if err := cli.ImportICSCommand(database, commandArgs); err != nil {
			log.Fatalf("Error: %v", err)
		}

	case "watch":
		if len(commandArgs) == 0 {
			fmt.Println("Error: watch requires a subcommand (start, stop, status, daemon)")
			os.Exit(1)
		}
		sub, subArgs := commandArgs[0], commandArgs[1:]
		var err error
		switch sub {
		case "start":
			err = cli.WatchStartCommand(cfg, database, subArgs)
		case "stop":
			err = cli.WatchStopCommand(cfg, database, subArgs)
		case "status":
			err = cli.WatchStatusCommand(cfg, database, subArgs)
		case "daemon":
			err = cli.WatchDaemonCommand(cfg, database, subArgs)
		default:
			fmt.Printf("Error: unknown watch subcommand %q\n", sub)
			os.Exit(1)
		}
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

	default:
		fmt.Printf("Error: unknown command %q\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`vcal - pilot schedule sync

Usage:
  vcal [flags] <command> [args]

Account:
  auth --pilot <id>              Link a Google account
  unlink --pilot <id>            Unlink, keeping events as local

Sync:
  sync --pilot <id>              Two-way reconcile with Google Calendar
  push --pilot <id> --event <id> Push one event to the remote calendar
  delete --pilot <id> --event <id> [--local-only]

Events:
  add-event --pilot <id> --title <t> --start <rfc3339> [flags]
  list-events --pilot <id> [--source local|google|synced|imported]
  occurrences --pilot <id> [--from <rfc3339>] [--to <rfc3339>]
  import-ics --pilot <id> [--url <feed>]

Watch:
  watch start|stop|status --pilot <id>
  watch daemon [--schedule <cron>]

Flags:
  --version        Show version
  --db-path        Database path
  --init           Initialize database and exit`)
}
