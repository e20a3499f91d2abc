// ABOUTME: CLI commands for linking and unlinking a pilot's Google account
// ABOUTME: Runs the OAuth consent flow through a local callback server
package cli

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/sync"
)

// AuthCommand links a pilot to their Google account via the browser
// consent flow, catching the redirect on a local server.
func AuthCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}

	ctx := context.Background()
	manager := sync.NewManager(cfg, database)

	authURL, _, err := manager.AuthorizationURL(*pilot)
	if err != nil {
		return fmt.Errorf("failed to build authorization URL: %w", err)
	}

	redirect, err := url.Parse(cfg.GoogleRedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	type outcome struct {
		email string
		err   error
	}
	done := make(chan outcome, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		state := r.URL.Query().Get("state")
		if code == "" {
			done <- outcome{err: fmt.Errorf("no authorization code received")}
			return
		}

		account, err := manager.CompleteAuthorization(ctx, state, code)
		if err != nil {
			http.Error(w, "Authorization failed.", http.StatusBadRequest)
			done <- outcome{err: err}
			return
		}

		_, _ = fmt.Fprintf(w, "Authorization successful! You can close this window.")
		done <- outcome{email: account.Email}
	})

	server := &http.Server{Addr: ":" + redirect.Port(), Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			done <- outcome{err: err}
		}
	}()

	fmt.Println("Opening browser for Google OAuth...")
	fmt.Printf("\nIf browser doesn't open, visit this URL:\n%s\n\n", authURL)
	_ = openBrowser(authURL)

	result := <-done
	_ = server.Shutdown(ctx)
	if result.err != nil {
		return fmt.Errorf("OAuth flow failed: %w", result.err)
	}

	fmt.Printf("\n✓ Linked %s to %s\n", *pilot, result.email)
	fmt.Println("Ready to sync! Run 'vcal sync --pilot", *pilot+"' to reconcile events.")
	return nil
}

// UnlinkCommand severs the Google link for a pilot. Events are kept and
// demoted to local.
func UnlinkCommand(cfg *config.Config, database *sql.DB, args []string) error {
	fs := flag.NewFlagSet("unlink", flag.ExitOnError)
	pilot := fs.String("pilot", "", "Pilot identifier (required)")
	_ = fs.Parse(args)

	if *pilot == "" {
		return fmt.Errorf("--pilot is required")
	}

	account, err := db.GetAccountByPilot(database, *pilot)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("no linked account for %s", *pilot)
	}

	manager := sync.NewManager(cfg, database)
	engine := sync.NewEngine(cfg, database, manager)
	if err := engine.Unlink(account); err != nil {
		return err
	}

	fmt.Printf("✓ Unlinked %s (events kept as local)\n", *pilot)
	return nil
}

func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start()
}
