package rbac

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/observability"
)

// MembershipReader returns the role slugs of an identity's single active
// membership in a tenant, or none when the membership is missing or not active.
type MembershipReader interface {
	ActiveRoles(ctx context.Context, tenantID, identityID int64) ([]string, error)
}

// IdentityReader reports email verification state
type IdentityReader interface {
	EmailVerified(ctx context.Context, identityID int64) (bool, error)
}

// TenantReader reports a tenant's current plan
type TenantReader interface {
	PlanTier(ctx context.Context, tenantID int64) (PlanTier, error)
}

// Subject is the request-scoped pair being authorized
type Subject struct {
	TenantID   int64
	IdentityID int64
}

// Gate names the check that denied a request
type Gate string

const (
	GateNone              Gate = ""
	GateEmailVerification Gate = "email_verification"
	GatePlan              Gate = "plan"
	GateRole              Gate = "role"
)

// Decision is the outcome of a permission check
type Decision struct {
	Allowed  bool   `json:"allowed"`
	DeniedBy Gate   `json:"denied_by,omitempty"`
	Reason   string `json:"reason"`
}

// CheckerConfig configures a PermissionChecker
type CheckerConfig struct {
	RequireEmailVerification bool
}

// PermissionChecker evaluates the email, plan and role gates in order,
// stopping at the first that denies.
type PermissionChecker struct {
	catalog     *Catalog
	memberships MembershipReader
	identities  IdentityReader
	tenants     TenantReader
	cache       *RolePermissionCache
	cfg         CheckerConfig
	metrics     *observability.Metrics
}

// NewPermissionChecker creates a new permission checker
func NewPermissionChecker(
	catalog *Catalog,
	memberships MembershipReader,
	identities IdentityReader,
	tenants TenantReader,
	cache *RolePermissionCache,
	cfg CheckerConfig,
	metrics *observability.Metrics,
) *PermissionChecker {
	return &PermissionChecker{
		catalog:     catalog,
		memberships: memberships,
		identities:  identities,
		tenants:     tenants,
		cache:       cache,
		cfg:         cfg,
		metrics:     metrics,
	}
}

// Check evaluates permissionID for subject
func (pc *PermissionChecker) Check(ctx context.Context, subject Subject, permissionID string) (Decision, error) {
	ctx, span := observability.Tracer().Start(ctx, "rbac.Check")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("tenant.id", subject.TenantID),
		attribute.Int64("identity.id", subject.IdentityID),
		attribute.String("permission", permissionID),
	)

	decision, err := pc.evaluate(ctx, subject, permissionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.Bool("allowed", decision.Allowed),
		attribute.String("denied_by", string(decision.DeniedBy)),
	)
	pc.metrics.ObservePermissionCheck(permissionID, decision.Allowed, string(decision.DeniedBy))
	return decision, nil
}

func (pc *PermissionChecker) evaluate(ctx context.Context, subject Subject, permissionID string) (Decision, error) {
	perm, ok := pc.catalog.Permission(permissionID)
	if !ok {
		return Decision{}, errs.Validationf("unknown permission %q", permissionID)
	}

	if pc.cfg.RequireEmailVerification {
		verified, err := pc.identities.EmailVerified(ctx, subject.IdentityID)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to read email verification: %w", err)
		}
		if !verified {
			return deny(GateEmailVerification, "email address is not verified"), nil
		}
	}

	plan, err := pc.tenants.PlanTier(ctx, subject.TenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read tenant plan: %w", err)
	}
	if !perm.AllowsPlan(plan) {
		return deny(GatePlan, fmt.Sprintf("plan %q does not include %s", plan, permissionID)), nil
	}

	roles, err := pc.memberships.ActiveRoles(ctx, subject.TenantID, subject.IdentityID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read membership roles: %w", err)
	}
	if perm.AllowsAnyRole(roles) {
		return Decision{Allowed: true, Reason: "granted by system role"}, nil
	}

	custom := make([]string, 0, len(roles))
	for _, slug := range roles {
		if !pc.catalog.IsSystemRole(slug) {
			custom = append(custom, slug)
		}
	}
	if len(custom) > 0 {
		perms, err := pc.cache.Get(ctx, subject.TenantID)
		if err != nil {
			return Decision{}, err
		}
		if perms.Grants(custom, permissionID) {
			return Decision{Allowed: true, Reason: "granted by custom role"}, nil
		}
	}

	return deny(GateRole, "no active role grants "+permissionID), nil
}

func deny(gate Gate, reason string) Decision {
	return Decision{Allowed: false, DeniedBy: gate, Reason: reason}
}

// Has reports whether subject holds permissionID
func (pc *PermissionChecker) Has(ctx context.Context, subject Subject, permissionID string) (bool, error) {
	decision, err := pc.Check(ctx, subject, permissionID)
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}

// ValidateHas is Has returning an errs.ErrForbidden error on denial
func (pc *PermissionChecker) ValidateHas(ctx context.Context, subject Subject, permissionID string) error {
	decision, err := pc.Check(ctx, subject, permissionID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return errs.Forbiddenf("%s denied: %s", permissionID, decision.Reason)
	}
	return nil
}
