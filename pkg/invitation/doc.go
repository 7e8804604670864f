// Package invitation manages invitation tokens and tenant invitation codes.
//
// An identity-bound invitation is a membership in the invited state that
// carries a hashed random token. Accept binds it to the accepting identity,
// merging into an existing membership of that identity when one exists, and
// Decline destroys it. Both run in a single transaction and invalidate the
// tenant's role cache after commit.
//
// Tenant invitations are standalone single-use numeric codes addressed to an
// email. Accepting one activates, adopts or creates a membership in that
// order of preference. Sweeper deletes expired codes on a cron schedule.
package invitation
