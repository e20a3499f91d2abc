// ABOUTME: Database operations for linked Google account credential records
// ABOUTME: Manages tokens, sync cursors, and watch subscription bookkeeping
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harperreed/vcal/models"
)

const accountColumns = `id, pilot_id, google_user_id, email, access_token, refresh_token,
	token_expiry, scopes, sync_token, last_synced_at,
	watch_channel_id, watch_resource_id, watch_expires_at, created_at, updated_at`

// UpsertAccount creates or replaces the credential record for a pilot.
// The row is keyed by pilot; relinking overwrites tokens and identity but
// preserves the existing sync cursor and watch state.
func UpsertAccount(db *sql.DB, account *models.GoogleAccount) error {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := db.Exec(`
		INSERT INTO google_accounts (
			id, pilot_id, google_user_id, email, access_token, refresh_token,
			token_expiry, scopes, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pilot_id) DO UPDATE SET
			google_user_id = excluded.google_user_id,
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = CASE
				WHEN excluded.refresh_token != '' THEN excluded.refresh_token
				ELSE google_accounts.refresh_token
			END,
			token_expiry = excluded.token_expiry,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at
	`,
		account.ID.String(), account.PilotID, account.GoogleUserID, account.Email,
		account.AccessToken, account.RefreshToken,
		nullTime(account.TokenExpiry), account.Scopes,
		account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert google account: %w", err)
	}

	// Re-read so callers observe the surviving row id and refresh token.
	stored, err := GetAccountByPilot(db, account.PilotID)
	if err != nil {
		return err
	}
	if stored != nil {
		*account = *stored
	}
	return nil
}

// GetAccountByPilot retrieves the credential record for a pilot, or nil.
func GetAccountByPilot(db *sql.DB, pilotID string) (*models.GoogleAccount, error) {
	row := db.QueryRow(`
		SELECT `+accountColumns+` FROM google_accounts WHERE pilot_id = ?
	`, pilotID)
	return scanAccountRow(row)
}

// GetAccountByEmail resolves a linked account from its Google email, used
// when a push notification arrives carrying only the remote identity.
func GetAccountByEmail(db *sql.DB, email string) (*models.GoogleAccount, error) {
	row := db.QueryRow(`
		SELECT `+accountColumns+` FROM google_accounts WHERE email = ? LIMIT 1
	`, email)
	return scanAccountRow(row)
}

// UpdateTokens performs a compare-and-set on the access token so two
// concurrent refreshes cannot both commit against a single-use refresh
// token. Returns false when another writer got there first.
func UpdateTokens(db *sql.DB, accountID uuid.UUID, previousAccessToken, accessToken string, expiry *time.Time, scopes string) (bool, error) {
	result, err := db.Exec(`
		UPDATE google_accounts SET
			access_token = ?, token_expiry = ?, scopes = ?, updated_at = ?
		WHERE id = ? AND access_token = ?
	`, accessToken, nullTime(expiry), scopes, time.Now().UTC(), accountID.String(), previousAccessToken)
	if err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update tokens: %w", err)
	}
	return rows > 0, nil
}

// UpdateSyncState persists the incremental cursor and sync timestamp after
// a successful pull.
func UpdateSyncState(db *sql.DB, accountID uuid.UUID, syncToken string, syncedAt time.Time) error {
	_, err := db.Exec(`
		UPDATE google_accounts SET sync_token = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?
	`, syncToken, syncedAt.UTC(), time.Now().UTC(), accountID.String())
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// ClearSyncToken drops the incremental cursor, forcing the next pull to be
// a full historical sync.
func ClearSyncToken(db *sql.DB, accountID uuid.UUID) error {
	_, err := db.Exec(`
		UPDATE google_accounts SET sync_token = '', updated_at = ? WHERE id = ?
	`, time.Now().UTC(), accountID.String())
	if err != nil {
		return fmt.Errorf("failed to clear sync token: %w", err)
	}
	return nil
}

// UpdateWatch stores the active push-subscription details for an account.
func UpdateWatch(db *sql.DB, accountID uuid.UUID, channelID, resourceID string, expiresAt *time.Time) error {
	_, err := db.Exec(`
		UPDATE google_accounts SET
			watch_channel_id = ?, watch_resource_id = ?, watch_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, channelID, resourceID, nullTime(expiresAt), time.Now().UTC(), accountID.String())
	if err != nil {
		return fmt.Errorf("failed to update watch state: %w", err)
	}
	return nil
}

// ClearWatch removes all local push-subscription state for an account.
func ClearWatch(db *sql.DB, accountID uuid.UUID) error {
	return UpdateWatch(db, accountID, "", "", nil)
}

// ListWatchesExpiring returns accounts whose active watch subscription
// expires within the window (now, deadline].
func ListWatchesExpiring(db *sql.DB, now, deadline time.Time) ([]models.GoogleAccount, error) {
	rows, err := db.Query(`
		SELECT `+accountColumns+` FROM google_accounts
		WHERE watch_channel_id != ''
		  AND watch_expires_at IS NOT NULL
		  AND watch_expires_at > ?
		  AND watch_expires_at <= ?
		ORDER BY watch_expires_at
	`, now.UTC(), deadline.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring watches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []models.GoogleAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes a credential record entirely.
func DeleteAccount(db *sql.DB, accountID uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM google_accounts WHERE id = ?`, accountID.String())
	if err != nil {
		return fmt.Errorf("failed to delete google account: %w", err)
	}
	return nil
}

func scanAccount(s rowScanner) (*models.GoogleAccount, error) {
	var account models.GoogleAccount
	var id string
	var tokenExpiry, lastSyncedAt, watchExpiresAt sql.NullTime

	err := s.Scan(
		&id, &account.PilotID, &account.GoogleUserID, &account.Email,
		&account.AccessToken, &account.RefreshToken,
		&tokenExpiry, &account.Scopes, &account.SyncToken, &lastSyncedAt,
		&account.WatchChannelID, &account.WatchResourceID, &watchExpiresAt,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	account.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid account id %q: %w", id, err)
	}
	if tokenExpiry.Valid {
		t := tokenExpiry.Time
		account.TokenExpiry = &t
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		account.LastSyncedAt = &t
	}
	if watchExpiresAt.Valid {
		t := watchExpiresAt.Time
		account.WatchExpiresAt = &t
	}
	return &account, nil
}

func scanAccountRow(row *sql.Row) (*models.GoogleAccount, error) {
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get google account: %w", err)
	}
	return account, nil
}
