package rbac

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PlanTier is a tenant's subscription plan
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
	PlanCustom     PlanTier = "custom"
)

// System role slugs
const (
	RoleAdmin         = "admin"
	RoleManager       = "manager"
	RoleDispatcher    = "dispatcher"
	RoleHRManager     = "hrManager"
	RoleSupervisor    = "supervisor"
	RoleSecurityGuard = "securityGuard"
	RoleClient        = "client"
)

// Permission is a static catalog entry
type Permission struct {
	ID           string     `yaml:"id" json:"id"`
	AllowedRoles []string   `yaml:"allowed_roles" json:"allowed_roles"`
	AllowedPlans []PlanTier `yaml:"allowed_plans" json:"allowed_plans"`
}

// AllowsPlan reports whether plan is entitled to the permission
func (p Permission) AllowsPlan(plan PlanTier) bool {
	for _, allowed := range p.AllowedPlans {
		if allowed == plan {
			return true
		}
	}
	return false
}

// AllowsAnyRole reports whether any of slugs is in AllowedRoles
func (p Permission) AllowsAnyRole(slugs []string) bool {
	for _, allowed := range p.AllowedRoles {
		for _, slug := range slugs {
			if allowed == slug {
				return true
			}
		}
	}
	return false
}

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type catalogDocument struct {
	Roles       []string     `yaml:"roles"`
	Plans       []PlanTier   `yaml:"plans"`
	Permissions []Permission `yaml:"permissions"`
}

// Catalog is the immutable set of system roles, plans and permissions.
// It is safe for concurrent use.
type Catalog struct {
	roles       map[string]struct{}
	plans       map[PlanTier]struct{}
	permissions map[string]Permission
	roleOrder   []string
	permOrder   []string
}

// DefaultCatalog parses the embedded catalog
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog from path, or the embedded catalog when path is empty
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a YAML catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		roles:       make(map[string]struct{}, len(doc.Roles)),
		plans:       make(map[PlanTier]struct{}, len(doc.Plans)),
		permissions: make(map[string]Permission, len(doc.Permissions)),
	}

	for _, role := range doc.Roles {
		if role == "" {
			return nil, fmt.Errorf("catalog: empty role slug")
		}
		if _, dup := c.roles[role]; dup {
			return nil, fmt.Errorf("catalog: duplicate role %q", role)
		}
		c.roles[role] = struct{}{}
		c.roleOrder = append(c.roleOrder, role)
	}
	for _, plan := range doc.Plans {
		c.plans[plan] = struct{}{}
	}

	for _, perm := range doc.Permissions {
		if perm.ID == "" {
			return nil, fmt.Errorf("catalog: permission without id")
		}
		if _, dup := c.permissions[perm.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate permission %q", perm.ID)
		}
		for _, role := range perm.AllowedRoles {
			if _, ok := c.roles[role]; !ok {
				return nil, fmt.Errorf("catalog: permission %q references unknown role %q", perm.ID, role)
			}
		}
		for _, plan := range perm.AllowedPlans {
			if _, ok := c.plans[plan]; !ok {
				return nil, fmt.Errorf("catalog: permission %q references unknown plan %q", perm.ID, plan)
			}
		}
		c.permissions[perm.ID] = perm
		c.permOrder = append(c.permOrder, perm.ID)
	}
	sort.Strings(c.permOrder)

	return c, nil
}

// Permission looks up a permission by id
func (c *Catalog) Permission(id string) (Permission, bool) {
	p, ok := c.permissions[id]
	return p, ok
}

// Permissions returns every permission sorted by id
func (c *Catalog) Permissions() []Permission {
	out := make([]Permission, 0, len(c.permOrder))
	for _, id := range c.permOrder {
		out = append(out, c.permissions[id])
	}
	return out
}

// IsSystemRole reports whether slug is a catalog role
func (c *Catalog) IsSystemRole(slug string) bool {
	_, ok := c.roles[slug]
	return ok
}

// SystemRoles returns the catalog roles in declaration order
func (c *Catalog) SystemRoles() []string {
	return append([]string(nil), c.roleOrder...)
}

// IsPlan reports whether plan is a known tier
func (c *Catalog) IsPlan(plan PlanTier) bool {
	_, ok := c.plans[plan]
	return ok
}
