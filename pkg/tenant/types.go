package tenant

import (
	"time"

	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// Tenant is a business account that identities join through memberships
type Tenant struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Slug      string        `json:"slug"`
	PlanTier  rbac.PlanTier `json:"plan_tier"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
