package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SettingsRepository stores tenant settings with the nested policies as JSONB
type SettingsRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB, logger *zap.Logger) repositories.SettingsRepository {
	return &SettingsRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the settings owned by userID
func (r *SettingsRepository) Get(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error) {
	query := `
		SELECT user_id, persona, flags, confirmation_mode, rate_limit,
		       integrations, polymarket, updated_at
		FROM tenant_settings
		WHERE user_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	settings := &models.TenantSettings{}
	var flags, rateLimit, integrations, polymarket []byte

	err := executor.QueryRowContext(ctx, query, userID).Scan(
		&settings.UserID,
		&settings.Persona,
		&flags,
		&settings.ConfirmationMode,
		&rateLimit,
		&integrations,
		&polymarket,
		&settings.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant settings: %w", err)
	}

	columns := []struct {
		name string
		data []byte
		dest interface{}
	}{
		{"flags", flags, &settings.Flags},
		{"rate_limit", rateLimit, &settings.RateLimit},
		{"integrations", integrations, &settings.Integrations},
		{"polymarket", polymarket, &settings.Polymarket},
	}
	for _, c := range columns {
		if len(c.data) == 0 {
			continue
		}
		if err := json.Unmarshal(c.data, c.dest); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", c.name, err)
		}
	}
	if settings.Flags == nil {
		settings.Flags = make(map[string]bool)
	}
	if settings.Integrations == nil {
		settings.Integrations = make(map[string]models.IntegrationPermissions)
	}

	return settings, nil
}

// Upsert creates or replaces the settings row
func (r *SettingsRepository) Upsert(ctx context.Context, settings *models.TenantSettings) error {
	query := `
		INSERT INTO tenant_settings (
			user_id, persona, flags, confirmation_mode, rate_limit,
			integrations, polymarket, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			persona = EXCLUDED.persona,
			flags = EXCLUDED.flags,
			confirmation_mode = EXCLUDED.confirmation_mode,
			rate_limit = EXCLUDED.rate_limit,
			integrations = EXCLUDED.integrations,
			polymarket = EXCLUDED.polymarket,
			updated_at = EXCLUDED.updated_at
	`

	flags, err := json.Marshal(settings.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	rateLimit, err := json.Marshal(settings.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit: %w", err)
	}
	integrations, err := json.Marshal(settings.Integrations)
	if err != nil {
		return fmt.Errorf("failed to marshal integrations: %w", err)
	}
	polymarket, err := json.Marshal(settings.Polymarket)
	if err != nil {
		return fmt.Errorf("failed to marshal polymarket permissions: %w", err)
	}

	executor := GetExecutor(ctx, r.db)
	_, err = executor.ExecContext(ctx, query,
		settings.UserID,
		settings.Persona,
		flags,
		settings.ConfirmationMode,
		rateLimit,
		integrations,
		polymarket,
		settings.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert tenant settings: %w", err)
	}

	r.logger.Debug("tenant settings saved", zap.String("user_id", settings.UserID.String()))
	return nil
}
