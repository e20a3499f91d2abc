// ABOUTME: Shared test helpers for the sync package
// ABOUTME: In-memory database setup and common fixtures
package sync

import (
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	database, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	database.SetMaxOpenConns(1)
	require.NoError(t, db.InitSchema(database))

	t.Cleanup(func() { _ = database.Close() })
	return database
}

func testConfig() *config.Config {
	return &config.Config{
		GoogleClientID:     "client-id",
		GoogleClientSecret: "client-secret",
		GoogleRedirectURL:  "http://localhost:8080/oauth/callback",
		GooglePubSubTopic:  "projects/test/topics/vcal",
		StateSecret:        "state-secret",
		APITimeout:         time.Second,
		APIRateLimit:       1000,
	}
}

func testLinkedAccount(t *testing.T, database *sql.DB, pilotID string) *models.GoogleAccount {
	t.Helper()

	expiry := time.Now().Add(time.Hour).UTC()
	account := &models.GoogleAccount{
		PilotID:      pilotID,
		GoogleUserID: "sub-" + pilotID,
		Email:        pilotID + "@example.com",
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		TokenExpiry:  &expiry,
		Scopes:       "calendar gmail.readonly",
	}
	require.NoError(t, db.UpsertAccount(database, account))
	return account
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}
