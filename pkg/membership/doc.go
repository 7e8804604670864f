// Package membership stores which identities belong to which tenants, with
// which roles, and in which lifecycle state.
//
// A membership moves between invited, active, pending, empty-permissions and
// archived. After every role change the status is recomputed with
// SelectStatus: an outstanding invitation always wins, an empty role set
// parks the membership as pending, anything else is active.
//
// Role input arrives in many shapes (a slug, a JSON array, a JSON-encoded
// string, custom role ids, role objects). NormalizeRoles and ParseRoleRefs
// reduce all of them to the canonical RoleSet.
package membership
