package membership

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/guardpost/pkg/errs"
	"github.com/platinummonkey/guardpost/pkg/rbac"
)

// RoleSet is a sorted set of role slugs. The zero value is an empty set.
type RoleSet []string

// NewRoleSet builds a set from slugs, trimming blanks and duplicates
func NewRoleSet(slugs ...string) RoleSet {
	seen := make(map[string]struct{}, len(slugs))
	set := make(RoleSet, 0, len(slugs))
	for _, s := range slugs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		set = append(set, s)
	}
	sort.Strings(set)
	return set
}

// Contains reports whether slug is in the set
func (rs RoleSet) Contains(slug string) bool {
	i := sort.SearchStrings(rs, slug)
	return i < len(rs) && rs[i] == slug
}

// Union returns rs plus other
func (rs RoleSet) Union(other RoleSet) RoleSet {
	return NewRoleSet(append(append([]string{}, rs...), other...)...)
}

// Minus returns rs without any slug in other
func (rs RoleSet) Minus(other RoleSet) RoleSet {
	out := make(RoleSet, 0, len(rs))
	for _, s := range rs {
		if !other.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}

// Slice returns the slugs as a plain slice
func (rs RoleSet) Slice() []string {
	return append([]string{}, rs...)
}

// Value implements driver.Valuer, storing the set as a JSON array
func (rs RoleSet) Value() (driver.Value, error) {
	data, err := json.Marshal(NewRoleSet(rs...).Slice())
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Scan implements sql.Scanner. Legacy rows holding a bare scalar or a
// JSON-encoded string are normalized like any other input.
func (rs *RoleSet) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*rs = RoleSet{}
		return nil
	case []byte:
		raw = string(v)
	case string:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into RoleSet", src)
	}
	set, err := normalizeRaw(raw)
	if err != nil {
		return err
	}
	*rs = set
	return nil
}

// MarshalJSON always emits an array
func (rs RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(rs.Slice())
}

// UnmarshalJSON accepts an array, a scalar string or a JSON-array string
func (rs *RoleSet) UnmarshalJSON(data []byte) error {
	set, err := normalizeRaw(string(data))
	if err != nil {
		return err
	}
	*rs = set
	return nil
}

// normalizeRaw decodes stored or wire text. Text that is not JSON is a bare slug.
func normalizeRaw(raw string) (RoleSet, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return RoleSet{}, nil
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return NormalizeRoles(trimmed)
	}
	return NormalizeRoles(decoded)
}

// NormalizeRoles turns any accepted role shape into a RoleSet: nil, a bare
// slug, a string holding a JSON array, or an array of strings.
func NormalizeRoles(v interface{}) (RoleSet, error) {
	switch val := v.(type) {
	case nil:
		return RoleSet{}, nil
	case RoleSet:
		return NewRoleSet(val...), nil
	case []string:
		return NewRoleSet(val...), nil
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "[") {
			var inner []interface{}
			if err := json.Unmarshal([]byte(s), &inner); err != nil {
				return nil, errs.Validationf("unparseable roles %q", s)
			}
			return NormalizeRoles(inner)
		}
		return NewRoleSet(s), nil
	case []byte:
		return normalizeRaw(string(val))
	case json.RawMessage:
		return normalizeRaw(string(val))
	case []interface{}:
		slugs := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Validationf("role %v is not a slug", item)
			}
			slugs = append(slugs, s)
		}
		return NewRoleSet(slugs...), nil
	default:
		return nil, errs.Validationf("unsupported roles type %T", v)
	}
}

// ParseRoleRefs turns role input from a client into references: slugs,
// numeric custom role ids, or {"slug": ...}/{"id": ...} objects, in any of
// the shapes NormalizeRoles accepts.
func ParseRoleRefs(v interface{}) ([]rbac.RoleRef, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		s := strings.TrimSpace(val)
		if strings.HasPrefix(s, "[") {
			var inner []interface{}
			if err := json.Unmarshal([]byte(s), &inner); err != nil {
				return nil, errs.Validationf("unparseable roles %q", s)
			}
			return ParseRoleRefs(inner)
		}
		if s == "" {
			return nil, nil
		}
		return []rbac.RoleRef{{Slug: s}}, nil
	case []string:
		refs := make([]rbac.RoleRef, 0, len(val))
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				refs = append(refs, rbac.RoleRef{Slug: s})
			}
		}
		return refs, nil
	case RoleSet:
		return ParseRoleRefs([]string(val))
	case json.RawMessage:
		if len(val) == 0 {
			return nil, nil
		}
		var decoded interface{}
		if err := json.Unmarshal(val, &decoded); err != nil {
			return nil, errs.Validationf("unparseable roles")
		}
		return ParseRoleRefs(decoded)
	case []interface{}:
		refs := make([]rbac.RoleRef, 0, len(val))
		for _, item := range val {
			sub, err := ParseRoleRefs(item)
			if err != nil {
				return nil, err
			}
			refs = append(refs, sub...)
		}
		return refs, nil
	case map[string]interface{}:
		if slug, ok := val["slug"].(string); ok && strings.TrimSpace(slug) != "" {
			return []rbac.RoleRef{{Slug: strings.TrimSpace(slug)}}, nil
		}
		if id, ok := val["id"]; ok {
			return ParseRoleRefs(id)
		}
		return nil, errs.Validationf("role object needs a slug or an id")
	case float64:
		if val <= 0 || val != math.Trunc(val) || val > math.MaxInt64 {
			return nil, errs.Validationf("invalid role id %v", val)
		}
		return []rbac.RoleRef{{ID: int64(val)}}, nil
	case json.Number:
		id, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil || id <= 0 {
			return nil, errs.Validationf("invalid role id %s", val)
		}
		return []rbac.RoleRef{{ID: id}}, nil
	case int:
		return ParseRoleRefs(int64(val))
	case int64:
		if val <= 0 {
			return nil, errs.Validationf("invalid role id %d", val)
		}
		return []rbac.RoleRef{{ID: val}}, nil
	default:
		return nil, errs.Validationf("unsupported roles type %T", v)
	}
}
