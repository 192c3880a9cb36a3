package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FindOrCreateEndUser resolves the end user for a (tenant, channel address)
// pair, creating the row on first contact. Concurrent first contacts race on
// the unique index; the loser refetches the winner's row. A non-empty display
// name on a later contact backfills a previously empty one.
func (s *Store) FindOrCreateEndUser(ctx context.Context, tenantID, channelAddress, displayName string) (*EndUser, error) {
	existing, err := s.endUserByAddress(ctx, tenantID, channelAddress)
	if err == nil {
		if displayName != "" && existing.DisplayName == "" {
			_, uerr := s.db.ExecContext(ctx,
				`UPDATE end_users SET display_name = ? WHERE id = ?`,
				displayName, existing.ID)
			if uerr != nil {
				return nil, fmt.Errorf("backfill end user name: %w", uerr)
			}
			existing.DisplayName = displayName
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO end_users (id, tenant_id, channel_address, display_name)
		VALUES (?, ?, ?, ?)`,
		id, tenantID, channelAddress, displayName)
	if err != nil {
		if isUniqueViolation(err) {
			return s.endUserByAddress(ctx, tenantID, channelAddress)
		}
		return nil, fmt.Errorf("create end user: %w", err)
	}
	return s.GetEndUser(ctx, id)
}

// GetEndUser fetches an end user by id.
func (s *Store) GetEndUser(ctx context.Context, id string) (*EndUser, error) {
	var u EndUser
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel_address, display_name, created_at
		FROM end_users WHERE id = ?`, id)
	if err := row.Scan(&u.ID, &u.TenantID, &u.ChannelAddress, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("get end user %s: %w", id, err)
	}
	return &u, nil
}

func (s *Store) endUserByAddress(ctx context.Context, tenantID, channelAddress string) (*EndUser, error) {
	var u EndUser
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, channel_address, display_name, created_at
		FROM end_users WHERE tenant_id = ? AND channel_address = ?`,
		tenantID, channelAddress)
	if err := row.Scan(&u.ID, &u.TenantID, &u.ChannelAddress, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("get end user by address: %w", err)
	}
	return &u, nil
}

// CountEndUsers reports the number of end users for a tenant.
func (s *Store) CountEndUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM end_users WHERE tenant_id = ?`, tenantID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count end users: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
