// Package catalog reads the feature catalog, organization membership and
// subscription plans that job admission depends on.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
	"github.com/jmoiron/sqlx"
)

// Organization roles
const (
	RoleOwner  = "OWNER"
	RoleMember = "MEMBER"
)

// SubscriptionActive is the only subscription status that grants a plan quota
const SubscriptionActive = "ACTIVE"

// Catalog is the read-only Postgres view of features, memberships and plans
type Catalog struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(db *sqlx.DB, logger *slog.Logger) *Catalog {
	return &Catalog{db: db, logger: logger}
}

// FeatureBySlug resolves a feature; it fails with NotFound when the slug is unknown
func (c *Catalog) FeatureBySlug(ctx context.Context, slug string) (*domain.Feature, error) {
	var f domain.Feature
	err := c.db.GetContext(ctx, &f, `
		SELECT id, slug, title, media_type, is_enabled
		FROM features
		WHERE slug = $1
	`, slug)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("Feature not found: " + slug)
		}
		return nil, domain.Internal("failed to get feature", err)
	}
	return &f, nil
}

// Role returns the user's role in orgID, or "" when the user is not a member
func (c *Catalog) Role(ctx context.Context, userID, orgID string) (string, error) {
	var role string
	err := c.db.GetContext(ctx, &role, `
		SELECT role
		FROM org_members
		WHERE org_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", domain.Internal("failed to get membership", err)
	}
	return role, nil
}

// EnsureMember fails with AccessDenied unless the user belongs to orgID
func (c *Catalog) EnsureMember(ctx context.Context, userID, orgID string) error {
	role, err := c.Role(ctx, userID, orgID)
	if err != nil {
		return err
	}
	if role == "" {
		return domain.AccessDenied("Organization not found or access denied")
	}
	return nil
}

// DailyQuotaMb resolves the plan of the user's primary organization: the
// earliest org the user owns, otherwise the earliest org they belong to.
func (c *Catalog) DailyQuotaMb(ctx context.Context, userID string) (int, bool, error) {
	var limit sql.NullInt64
	err := c.db.GetContext(ctx, &limit, `
		SELECT p.daily_quota_mb
		FROM org_members m
		LEFT JOIN subscriptions s ON s.org_id = m.org_id AND s.status = $2
		LEFT JOIN plans p ON p.id = s.plan_id
		WHERE m.user_id = $1
		ORDER BY (m.role = $3) DESC, m.created_at ASC
		LIMIT 1
	`, userID, SubscriptionActive, RoleOwner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, domain.Internal("failed to resolve plan", err)
	}
	if !limit.Valid {
		return 0, false, nil
	}
	return int(limit.Int64), true, nil
}
