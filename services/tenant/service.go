// Package tenant manages users and their per-tenant settings. Every change is
// made by an owner or admin and leaves a permission_change audit row.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/elizaOS/milaidy-sub002/models"
	"github.com/elizaOS/milaidy-sub002/repositories"
	"github.com/elizaOS/milaidy-sub002/services"
	"github.com/elizaOS/milaidy-sub002/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Audit reasons for settings changes
const (
	ReasonUserRegistered     = "user_registered"
	ReasonOwnerBootstrapped  = "owner_bootstrapped"
	ReasonUserEnabled        = "user_enabled"
	ReasonUserDisabled       = "user_disabled"
	ReasonIntegrationUpdated = "integration_updated"
	ReasonPolymarketUpdated  = "polymarket_updated"
	ReasonRateLimitUpdated   = "rate_limit_updated"
	ReasonSecretRotated      = "secret_rotated"
	ReasonActorNotPermitted  = "actor_not_permitted"
	ReasonChangeRolledBack   = "change_rolled_back"
)

// Recorder appends audit rows
type Recorder interface {
	Record(ctx context.Context, entry *models.AuditLog) (string, error)
}

// Service handles tenant administration
type Service struct {
	users    repositories.UserRepository
	settings repositories.SettingsRepository
	tx       repositories.TransactionManager
	recorder Recorder
	cache    *SettingsCache
	logger   *zap.Logger

	detachedAudit bool
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithDetachedAudit marks the audit store as living outside the settings
// transaction, as it does with a separate audit database. An audit row written
// for a change whose transaction then fails is followed by a change_rolled_back row.
func WithDetachedAudit(detached bool) ServiceOption {
	return func(s *Service) { s.detachedAudit = detached }
}

// NewService creates a new tenant Service
func NewService(repos *repositories.Repositories, recorder Recorder, cache *SettingsCache, logger *zap.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		users:    repos.Users,
		settings: repos.Settings,
		tx:       repos.Tx,
		recorder: recorder,
		cache:    cache,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterUserRequest describes a new user
type RegisterUserRequest struct {
	Email string          `json:"email" validate:"required,email"`
	Role  models.UserRole `json:"role" validate:"required,oneof=owner admin member viewer"`
}

// GetUser retrieves a user by ID
func (s *Service) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrUserNotFound
		}
		return nil, services.WrapInternal("failed to load user", err)
	}
	return user, nil
}

// GetSettings returns userID's settings. A user without a stored row gets the
// restrictive defaults.
func (s *Service) GetSettings(ctx context.Context, userID uuid.UUID) (*models.TenantSettings, error) {
	if cached := s.cache.Get(userID); cached != nil {
		return cached, nil
	}

	settings, err := s.settings.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, services.WrapInternal("failed to load tenant settings", err)
		}
		s.logger.Debug("no stored settings, using defaults", zap.String("user_id", userID.String()))
		settings = models.NewTenantSettings(userID)
	}

	s.cache.Set(settings)
	return settings.Clone(), nil
}

// BootstrapOwner creates the first owner with a known ID. It is a no-op when the user exists.
func (s *Service) BootstrapOwner(ctx context.Context, ownerID uuid.UUID, email string) (*models.User, error) {
	if existing, err := s.users.GetByID(ctx, ownerID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, services.WrapInternal("failed to load user", err)
	}

	owner := models.NewUser(email, models.RoleOwner)
	owner.ID = ownerID

	err := s.auditedTx(ctx, func(ctx context.Context, record func(*models.AuditLog) error) error {
		entry := models.NewAuditLog(ownerID, models.AuditActionPermissionChange, models.OutcomeExecuted, ReasonOwnerBootstrapped).
			WithTarget(ownerID).
			WithMetadata(map[string]interface{}{"role": owner.Role})
		if err := record(entry); err != nil {
			return err
		}
		if err := s.users.Create(ctx, owner); err != nil {
			return services.WrapInternal("failed to create owner", err)
		}
		if err := s.settings.Upsert(ctx, models.NewTenantSettings(ownerID)); err != nil {
			return services.WrapInternal("failed to create tenant settings", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("bootstrapped owner", zap.String("user_id", ownerID.String()))
	return owner, nil
}

// RegisterUser creates a user with default settings on behalf of actorID
func (s *Service) RegisterUser(ctx context.Context, actorID uuid.UUID, req RegisterUserRequest) (*models.User, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidInput("invalid user", err)
	}

	user := models.NewUser(req.Email, req.Role)
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, user, models.AuditActionPermissionChange); err != nil {
		return nil, err
	}

	err = s.auditedTx(ctx, func(ctx context.Context, record func(*models.AuditLog) error) error {
		entry := models.NewAuditLog(actorID, models.AuditActionPermissionChange, models.OutcomeExecuted, ReasonUserRegistered).
			WithTarget(user.ID).
			WithMetadata(map[string]interface{}{"role": user.Role, "email": user.Email})
		if err := record(entry); err != nil {
			return err
		}
		if err := s.users.Create(ctx, user); err != nil {
			return services.WrapInternal("failed to create user", err)
		}
		if err := s.settings.Upsert(ctx, models.NewTenantSettings(user.ID)); err != nil {
			return services.WrapInternal("failed to create tenant settings", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("registered user",
		zap.String("user_id", user.ID.String()),
		zap.String("actor_user_id", actorID.String()),
		zap.String("role", string(user.Role)))
	return user, nil
}

// SetUserEnabled enables or disables targetID
func (s *Service) SetUserEnabled(ctx context.Context, actorID, targetID uuid.UUID, enabled bool) (*models.User, error) {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, target, models.AuditActionPermissionChange); err != nil {
		return nil, err
	}

	reason := ReasonUserDisabled
	if enabled {
		reason = ReasonUserEnabled
	}
	previous := target.Enabled
	target.Enabled = enabled
	target.UpdatedAt = time.Now().UTC()

	err = s.auditedTx(ctx, func(ctx context.Context, record func(*models.AuditLog) error) error {
		entry := models.NewAuditLog(actorID, models.AuditActionPermissionChange, models.OutcomeExecuted, reason).
			WithTarget(targetID).
			WithMetadata(map[string]interface{}{"previous": previous, "enabled": enabled})
		if err := record(entry); err != nil {
			return err
		}
		if err := s.users.Update(ctx, target); err != nil {
			return services.WrapInternal("failed to update user", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// IntegrationUpdate is the new permission pair for one integration
type IntegrationUpdate struct {
	Enabled          bool `json:"enabled"`
	ExecutionEnabled bool `json:"execution_enabled"`
}

// UpdateIntegration replaces the permissions of one integration for targetID
func (s *Service) UpdateIntegration(ctx context.Context, actorID, targetID uuid.UUID, name string, update IntegrationUpdate) (*models.TenantSettings, error) {
	if err := utils.ValidateRequired(name, "integration"); err != nil {
		return nil, invalidInput("invalid integration", err)
	}
	if err := utils.ValidateStringLength(name, "integration", 1, 64); err != nil {
		return nil, invalidInput("invalid integration", err)
	}

	return s.mutateSettings(ctx, actorID, targetID, ReasonIntegrationUpdated, func(settings *models.TenantSettings) map[string]interface{} {
		previous := settings.Integration(name)
		settings.Integrations[name] = models.IntegrationPermissions{
			Enabled:          update.Enabled,
			ExecutionEnabled: update.ExecutionEnabled,
		}
		return map[string]interface{}{
			"integration": name,
			"previous":    previous,
			"current":     settings.Integrations[name],
		}
	})
}

// UpdatePolymarket replaces the Polymarket permissions for targetID
func (s *Service) UpdatePolymarket(ctx context.Context, actorID, targetID uuid.UUID, perms models.PolymarketPermissions) (*models.TenantSettings, error) {
	if err := utils.ValidateStruct(perms); err != nil {
		return nil, invalidInput("invalid polymarket permissions", err)
	}
	if perms.PerTradeLimitUSD.GreaterThan(perms.DailySpendLimitUSD) {
		return nil, services.NewDomainError(services.ErrorTypeValidation,
			"per trade limit must not exceed the daily limit", nil)
	}

	return s.mutateSettings(ctx, actorID, targetID, ReasonPolymarketUpdated, func(settings *models.TenantSettings) map[string]interface{} {
		previous := settings.Polymarket
		settings.Polymarket = perms
		return map[string]interface{}{"previous": previous, "current": perms}
	})
}

// UpdateRateLimit replaces the execution rate limit for targetID
func (s *Service) UpdateRateLimit(ctx context.Context, actorID, targetID uuid.UUID, policy models.RateLimitPolicy) (*models.TenantSettings, error) {
	if err := utils.ValidateStruct(policy); err != nil {
		return nil, invalidInput("invalid rate limit", err)
	}

	return s.mutateSettings(ctx, actorID, targetID, ReasonRateLimitUpdated, func(settings *models.TenantSettings) map[string]interface{} {
		previous := settings.RateLimit
		settings.RateLimit = policy
		return map[string]interface{}{"previous": previous, "current": policy}
	})
}

// RecordSecretUpdate audits that an integration credential was rotated elsewhere.
// The secret itself never passes through this service.
func (s *Service) RecordSecretUpdate(ctx context.Context, actorID, targetID uuid.UUID, integration string) error {
	if err := utils.ValidateRequired(integration, "integration"); err != nil {
		return invalidInput("invalid integration", err)
	}
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, actor, target, models.AuditActionIntegrationSecretUpdate); err != nil {
		return err
	}

	entry := models.NewAuditLog(actorID, models.AuditActionIntegrationSecretUpdate, models.OutcomeExecuted, ReasonSecretRotated).
		WithTarget(targetID).
		WithMetadata(map[string]interface{}{"integration": integration})
	_, err = s.recorder.Record(ctx, entry)
	return err
}

func (s *Service) mutateSettings(
	ctx context.Context,
	actorID, targetID uuid.UUID,
	reason string,
	apply func(settings *models.TenantSettings) map[string]interface{},
) (*models.TenantSettings, error) {
	actor, target, err := s.loadPair(ctx, actorID, targetID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, target, models.AuditActionPermissionChange); err != nil {
		return nil, err
	}

	var updated *models.TenantSettings
	err = s.auditedTx(ctx, func(ctx context.Context, record func(*models.AuditLog) error) error {
		settings, err := s.settings.Get(ctx, targetID)
		if errors.Is(err, repositories.ErrNotFound) {
			settings, err = models.NewTenantSettings(targetID), nil
		}
		if err != nil {
			return services.WrapInternal("failed to load tenant settings", err)
		}

		metadata := apply(settings)
		settings.UpdatedAt = time.Now().UTC()

		entry := models.NewAuditLog(actorID, models.AuditActionPermissionChange, models.OutcomeExecuted, reason).
			WithTarget(targetID).
			WithMetadata(metadata)
		if err := record(entry); err != nil {
			return err
		}
		if err := s.settings.Upsert(ctx, settings); err != nil {
			return services.WrapInternal("failed to save tenant settings", err)
		}
		updated = settings
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(targetID)
	s.logger.Info("tenant settings changed",
		zap.String("user_id", targetID.String()),
		zap.String("actor_user_id", actorID.String()),
		zap.String("reason", reason))
	return updated.Clone(), nil
}

// auditedTx runs fn in a transaction. fn records its audit entry through record
// before writing, so a failed audit write aborts the change.
func (s *Service) auditedTx(ctx context.Context, fn func(ctx context.Context, record func(*models.AuditLog) error) error) error {
	var recorded []*models.AuditLog
	err := s.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		return fn(ctx, func(entry *models.AuditLog) error {
			if _, err := s.recorder.Record(ctx, entry); err != nil {
				return err
			}
			recorded = append(recorded, entry)
			return nil
		})
	})
	if err != nil && s.detachedAudit {
		for _, entry := range recorded {
			s.recordRollback(context.WithoutCancel(ctx), entry, err)
		}
	}
	return err
}

// recordRollback appends a failed entry pointing at one whose change was rolled back
func (s *Service) recordRollback(ctx context.Context, entry *models.AuditLog, cause error) {
	rollback := models.NewAuditLog(entry.ActorUserID, entry.Action, models.OutcomeFailed, ReasonChangeRolledBack).
		WithMetadata(map[string]interface{}{"rolled_back_id": entry.ID, "rolled_back_reason": entry.Reason})
	if entry.TargetUserID != nil {
		rollback = rollback.WithTarget(*entry.TargetUserID)
	}
	if _, err := s.recorder.Record(ctx, rollback); err != nil {
		s.logger.Error("failed to record rolled back change",
			zap.String("audit_id", entry.ID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.logger.Warn("change rolled back after its audit row was written",
		zap.String("audit_id", entry.ID),
		zap.String("reason", entry.Reason),
		zap.Error(cause))
}

func (s *Service) loadPair(ctx context.Context, actorID, targetID uuid.UUID) (*models.User, *models.User, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, nil, err
	}
	if actorID == targetID {
		return actor, actor, nil
	}
	target, err := s.GetUser(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	return actor, target, nil
}

// authorize rejects actors that may not manage target. A rejection is audited as blocked.
func (s *Service) authorize(ctx context.Context, actor, target *models.User, action models.AuditAction) error {
	if actor.Enabled && actor.CanManageSettings(target) {
		return nil
	}

	s.logger.Warn("settings change denied",
		zap.String("actor_user_id", actor.ID.String()),
		zap.String("user_id", target.ID.String()),
		zap.String("actor_role", string(actor.Role)))

	entry := models.NewAuditLog(actor.ID, action, models.OutcomeBlocked, ReasonActorNotPermitted).
		WithTarget(target.ID)
	if _, err := s.recorder.Record(ctx, entry); err != nil {
		return err
	}
	return services.ErrForbidden
}

func invalidInput(message string, err error) error {
	return services.WrapValidation(message, err)
}
