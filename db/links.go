package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/osu-tender/crypto"
)

// Link associates a chat identity with an osu! account.
type Link struct {
	IdentityID string
	OsuUserID  int64
	Username   string
	LinkedAt   time.Time
}

// LinkStore persists identity links and their refresh tokens. With a non-nil encryptor,
// refresh tokens are written encrypted (encryption_version=1); plaintext rows
// (encryption_version=0) are still readable.
type LinkStore struct {
	db  *sql.DB
	enc crypto.Encryptor
}

// NewLinkStore returns a store over db. enc may be nil to store tokens in plaintext.
func NewLinkStore(db *sql.DB, enc crypto.Encryptor) *LinkStore {
	return &LinkStore{db: db, enc: enc}
}

// Ping checks database connectivity.
func (s *LinkStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ListLinkedIdentities returns every link, oldest first.
func (s *LinkStore) ListLinkedIdentities(ctx context.Context) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity_id, osu_user_id, username, linked_at FROM identity_links ORDER BY linked_at, identity_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.IdentityID, &l.OsuUserID, &l.Username, &l.LinkedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLink returns the link for identityID, or ok=false when it is not linked.
func (s *LinkStore) GetLink(ctx context.Context, identityID string) (Link, bool, error) {
	var l Link
	err := s.db.QueryRowContext(ctx, `SELECT identity_id, osu_user_id, username, linked_at FROM identity_links WHERE identity_id=$1`, identityID).
		Scan(&l.IdentityID, &l.OsuUserID, &l.Username, &l.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, err
	}
	return l, true, nil
}

// GetRefreshToken returns the stored refresh token for identityID, "" when there is none.
func (s *LinkStore) GetRefreshToken(ctx context.Context, identityID string) (string, error) {
	var token string
	var encVersion int
	err := s.db.QueryRowContext(ctx, `SELECT refresh_token, encryption_version FROM identity_links WHERE identity_id=$1`, identityID).
		Scan(&token, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if encVersion == 1 {
		if s.enc == nil {
			return "", fmt.Errorf("refresh token is encrypted but ENCRYPTION_KEY not configured")
		}
		plain, err := crypto.DecryptString(s.enc, token)
		if err != nil {
			return "", fmt.Errorf("decrypt refresh token: %w", err)
		}
		token = plain
	}
	return token, nil
}

// SetRefreshToken replaces the stored refresh token of an existing link.
func (s *LinkStore) SetRefreshToken(ctx context.Context, identityID, token string) error {
	stored, version, keyID, err := s.seal(token)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE identity_links SET refresh_token=$2, encryption_version=$3, encryption_key_id=$4, updated_at=NOW() WHERE identity_id=$1`,
		identityID, stored, version, keyID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("identity %s is not linked", identityID)
	}
	return nil
}

// LinkIdentity creates or replaces the link for identityID. An osu! account linked to
// another identity is moved to this one.
func (s *LinkStore) LinkIdentity(ctx context.Context, identityID string, osuUserID int64, username, refreshToken string) error {
	stored, version, keyID, err := s.seal(refreshToken)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM identity_links WHERE osu_user_id=$1 AND identity_id<>$2`, osuUserID, identityID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO identity_links(identity_id, osu_user_id, username, refresh_token, encryption_version, encryption_key_id, linked_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW(),NOW())
		ON CONFLICT(identity_id) DO UPDATE SET
			osu_user_id=EXCLUDED.osu_user_id,
			username=EXCLUDED.username,
			refresh_token=EXCLUDED.refresh_token,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		identityID, osuUserID, username, stored, version, keyID); err != nil {
		return err
	}
	return tx.Commit()
}

// Unlink removes the link for identityID and reports whether one existed.
func (s *LinkStore) Unlink(ctx context.Context, identityID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identity_links WHERE identity_id=$1`, identityID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LinkStore) seal(token string) (stored string, version int, keyID sql.NullString, err error) {
	if s.enc == nil || token == "" {
		return token, 0, sql.NullString{}, nil
	}
	stored, err = crypto.EncryptString(s.enc, token)
	if err != nil {
		return "", 0, sql.NullString{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return stored, 1, sql.NullString{String: s.enc.KeyID(), Valid: true}, nil
}
