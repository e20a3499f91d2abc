// ABOUTME: OAuth credential manager for linked Google accounts
// ABOUTME: Handles the state-signed handshake, token exchange, and refresh
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	"github.com/harperreed/vcal/config"
	"github.com/harperreed/vcal/db"
	"github.com/harperreed/vcal/models"
)

// stateTTL bounds how long an authorization handshake may stay open.
const stateTTL = 10 * time.Minute

type stateClaims struct {
	PilotID string `json:"pilot_id"`
	jwt.RegisteredClaims
}

// Manager owns the OAuth credential lifecycle for linked Google accounts.
// It touches only credential records, never events.
type Manager struct {
	cfg      *config.Config
	database *sql.DB
	oauth    *oauth2.Config

	now      func() time.Time
	exchange func(ctx context.Context, code string) (*oauth2.Token, error)
	refresh  func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	verifyID func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// NewManager builds a credential manager from an explicit configuration
// value; no process-wide OAuth state is consulted.
func NewManager(cfg *config.Config, database *sql.DB) *Manager {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scopes:       config.GoogleScopes,
		Endpoint:     google.Endpoint,
	}

	m := &Manager{
		cfg:      cfg,
		database: database,
		oauth:    oauthCfg,
		now:      time.Now,
	}
	m.exchange = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return oauthCfg.Exchange(ctx, code)
	}
	m.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}
	m.verifyID = idtoken.Validate
	return m
}

// OAuthConfig exposes the underlying oauth2 config for client construction.
func (m *Manager) OAuthConfig() *oauth2.Config {
	return m.oauth
}

// AuthorizationURL starts the handshake for a pilot: a consent URL plus a
// signed, time-limited opaque state binding the request to the pilot.
func (m *Manager) AuthorizationURL(pilotID string) (string, string, error) {
	if !m.cfg.HasGoogleClient() {
		return "", "", ErrConfiguration
	}

	state, err := m.signState(pilotID)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign oauth state: %w", err)
	}

	url := m.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return url, state, nil
}

func (m *Manager) signState(pilotID string) (string, error) {
	now := m.now()
	claims := stateClaims{
		PilotID: pilotID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.StateSecret))
}

// ParseState verifies a handshake state token and returns the pilot it was
// issued for. Any mismatch, tamper, or expiry yields a StateError.
func (m *Manager) ParseState(state string) (string, error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.cfg.StateSecret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", &StateError{Reason: err.Error()}
	}
	if !token.Valid || claims.PilotID == "" {
		return "", &StateError{Reason: "missing pilot binding"}
	}
	return claims.PilotID, nil
}

// CompleteAuthorization finishes the handshake: verifies the state,
// exchanges the code for tokens, validates the identity token against our
// client id, and upserts the credential record.
func (m *Manager) CompleteAuthorization(ctx context.Context, state, code string) (*models.GoogleAccount, error) {
	if !m.cfg.HasGoogleClient() {
		return nil, ErrConfiguration
	}

	pilotID, err := m.ParseState(state)
	if err != nil {
		return nil, err
	}

	token, err := m.exchange(ctx, code)
	if err != nil {
		return nil, transportErr("token exchange", err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("token response is missing an id_token")
	}
	payload, err := m.verifyID(ctx, rawIDToken, m.cfg.GoogleClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify identity token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)

	account := &models.GoogleAccount{
		PilotID:      pilotID,
		GoogleUserID: payload.Subject,
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       grantedScopes(token),
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		account.TokenExpiry = &expiry
	}

	if err := db.UpsertAccount(m.database, account); err != nil {
		return nil, err
	}
	return account, nil
}

// Token returns a valid access token for the account, refreshing and
// persisting it when expired. The persist is a compare-and-set: if another
// writer refreshed concurrently, its result wins and is returned.
func (m *Manager) Token(ctx context.Context, account *models.GoogleAccount) (*oauth2.Token, error) {
	if !account.TokenExpired(m.now()) {
		return m.tokenFromAccount(account), nil
	}

	if account.RefreshToken == "" {
		return nil, ErrCredentialMissing
	}

	fresh, err := m.refresh(ctx, account.RefreshToken)
	if err != nil {
		return nil, transportErr("token refresh", err)
	}

	var expiry *time.Time
	if !fresh.Expiry.IsZero() {
		e := fresh.Expiry.UTC()
		expiry = &e
	}

	ok, err := db.UpdateTokens(m.database, account.ID, account.AccessToken, fresh.AccessToken, expiry, account.Scopes)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the refresh race; adopt whatever the winner persisted.
		stored, err := db.GetAccountByPilot(m.database, account.PilotID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			*account = *stored
			return m.tokenFromAccount(account), nil
		}
	}

	account.AccessToken = fresh.AccessToken
	account.TokenExpiry = expiry
	return m.tokenFromAccount(account), nil
}

func (m *Manager) tokenFromAccount(account *models.GoogleAccount) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
	}
	if account.TokenExpiry != nil {
		token.Expiry = *account.TokenExpiry
	}
	return token
}

// grantedScopes normalizes the scope grant from a token response, falling
// back to the requested scopes when the provider omits it.
func grantedScopes(token *oauth2.Token) string {
	raw, _ := token.Extra("scope").(string)
	scopes := strings.Fields(raw)
	if len(scopes) == 0 {
		scopes = append(scopes, config.GoogleScopes...)
	}
	sort.Strings(scopes)
	return strings.Join(scopes, " ")
}
