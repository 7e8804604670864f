package rbac

import (
	"strings"
	"time"
	"unicode"
)

// Role is a tenant-defined role granting a set of catalog permissions
type Role struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Slug        string    `json:"slug"`
	Name        string    `json:"name"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoleRef identifies a role either by slug or by custom role id
type RoleRef struct {
	Slug string
	ID   int64
}

// RolePermissions maps a custom role slug to the permission ids it grants.
// Values handed out by the cache are shared and must not be modified.
type RolePermissions map[string][]string

// Grants reports whether any of slugs grants permission
func (rp RolePermissions) Grants(slugs []string, permission string) bool {
	for _, slug := range slugs {
		for _, p := range rp[slug] {
			if p == permission {
				return true
			}
		}
	}
	return false
}

// Slugify derives a URL-safe slug from a display name:
// lowercase ASCII letters and digits separated by single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(name) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	return b.String()
}
