// ABOUTME: Tests for the OAuth credential manager
// ABOUTME: Covers state signing, handshake completion, and token refresh races
package sync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
)

func newTestManager(t *testing.T, database *sql.DB) *Manager {
	t.Helper()
	return NewManager(testConfig(), database)
}

func TestStateRoundTrip(t *testing.T) {
	m := newTestManager(t, setupTestDB(t))

	_, state, err := m.AuthorizationURL("pilot-1")
	require.NoError(t, err)

	pilotID, err := m.ParseState(state)
	require.NoError(t, err)
	assert.Equal(t, "pilot-1", pilotID)
}

func TestStateTamperRejected(t *testing.T) {
	m := newTestManager(t, setupTestDB(t))

	_, state, err := m.AuthorizationURL("pilot-1")
	require.NoError(t, err)

	_, err = m.ParseState(state + "x")
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestStateWrongSecretRejected(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)

	otherCfg := testConfig()
	otherCfg.StateSecret = "different-secret"
	other := NewManager(otherCfg, database)

	_, state, err := other.AuthorizationURL("pilot-1")
	require.NoError(t, err)

	_, err = m.ParseState(state)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestStateExpiryRejected(t *testing.T) {
	m := newTestManager(t, setupTestDB(t))

	issued := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return issued }
	_, state, err := m.AuthorizationURL("pilot-1")
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(9 * time.Minute) }
	_, err = m.ParseState(state)
	assert.NoError(t, err)

	m.now = func() time.Time { return issued.Add(11 * time.Minute) }
	_, err = m.ParseState(state)
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestAuthorizationURLWithoutClient(t *testing.T) {
	cfg := &config.Config{}
	m := NewManager(cfg, setupTestDB(t))

	_, _, err := m.AuthorizationURL("pilot-1")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestCompleteAuthorizationPersistsAccount(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)

	expiry := time.Now().Add(time.Hour).UTC()
	m.exchange = func(ctx context.Context, code string) (*oauth2.Token, error) {
		assert.Equal(t, "auth-code", code)
		token := &oauth2.Token{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			Expiry:       expiry,
		}
		return token.WithExtra(map[string]any{
			"id_token": "raw-id-token",
			"scope":    "calendar email",
		}), nil
	}
	m.verifyID = func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error) {
		assert.Equal(t, "raw-id-token", idToken)
		assert.Equal(t, "client-id", audience)
		return &idtoken.Payload{
			Subject: "google-sub-1",
			Claims:  map[string]any{"email": "pilot@example.com"},
		}, nil
	}

	_, state, err := m.AuthorizationURL("pilot-1")
	require.NoError(t, err)

	account, err := m.CompleteAuthorization(context.Background(), state, "auth-code")
	require.NoError(t, err)

	assert.Equal(t, "pilot-1", account.PilotID)
	assert.Equal(t, "google-sub-1", account.GoogleUserID)
	assert.Equal(t, "pilot@example.com", account.Email)
	assert.Equal(t, "calendar email", account.Scopes)

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, "fresh-refresh", stored.RefreshToken)
}

func TestCompleteAuthorizationBadState(t *testing.T) {
	m := newTestManager(t, setupTestDB(t))

	_, err := m.CompleteAuthorization(context.Background(), "garbage", "code")
	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestTokenStillValidSkipsRefresh(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)
	account := testLinkedAccount(t, database, "pilot-1")

	refreshed := false
	m.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		refreshed = true
		return nil, errors.New("should not be called")
	}

	token, err := m.Token(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "access-token", token.AccessToken)
	assert.False(t, refreshed)
}

func TestTokenRefreshPersists(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)
	account := testLinkedAccount(t, database, "pilot-1")

	expired := time.Now().Add(-time.Hour).UTC()
	account.TokenExpiry = &expired

	m.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		assert.Equal(t, "refresh-token", refreshToken)
		return &oauth2.Token{
			AccessToken: "refreshed-access",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	token, err := m.Token(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", token.AccessToken)

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-access", stored.AccessToken)
}

func TestTokenRefreshLostRaceAdoptsWinner(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)
	account := testLinkedAccount(t, database, "pilot-1")

	// Another writer refreshes first; the stored access token no longer
	// matches this caller's view.
	winnerExpiry := time.Now().Add(time.Hour).UTC()
	ok, err := db.UpdateTokens(database, account.ID, "access-token", "winner-access", &winnerExpiry, account.Scopes)
	require.NoError(t, err)
	require.True(t, ok)

	expired := time.Now().Add(-time.Hour).UTC()
	account.TokenExpiry = &expired

	m.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "loser-access", Expiry: time.Now().Add(time.Hour)}, nil
	}

	token, err := m.Token(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, "winner-access", token.AccessToken)

	stored, err := db.GetAccountByPilot(database, "pilot-1")
	require.NoError(t, err)
	assert.Equal(t, "winner-access", stored.AccessToken)
}

func TestTokenWithoutRefreshToken(t *testing.T) {
	database := setupTestDB(t)
	m := newTestManager(t, database)
	account := testLinkedAccount(t, database, "pilot-1")

	expired := time.Now().Add(-time.Hour).UTC()
	account.TokenExpiry = &expired
	account.RefreshToken = ""

	_, err := m.Token(context.Background(), account)
	assert.ErrorIs(t, err, ErrCredentialMissing)
}
