package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateTenant provisions a tenant row. The engine itself never calls this;
// it exists for operator tooling and tests.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, display_name, behavior_prompt, channel_routing_id, channel_access_token)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.DisplayName, t.BehaviorPrompt, t.ChannelRoutingID, t.ChannelAccessToken)
	if err != nil {
		return "", fmt.Errorf("create tenant: %w", err)
	}
	return t.ID, nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.tenantBy(ctx, "id", id)
}

// GetTenantByRoutingID resolves the tenant owning a channel routing id.
// Unknown routing ids surface sql.ErrNoRows in the wrapped error.
func (s *Store) GetTenantByRoutingID(ctx context.Context, routingID string) (*Tenant, error) {
	return s.tenantBy(ctx, "channel_routing_id", routingID)
}

func (s *Store) tenantBy(ctx context.Context, column, value string) (*Tenant, error) {
	var t Tenant
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, display_name, behavior_prompt, channel_routing_id, channel_access_token, created_at
		FROM tenants WHERE %s = ?`, column), value)
	if err := row.Scan(&t.ID, &t.DisplayName, &t.BehaviorPrompt, &t.ChannelRoutingID, &t.ChannelAccessToken, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("get tenant by %s: %w", column, err)
	}
	return &t, nil
}
