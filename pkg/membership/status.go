package membership

import (
	"github.com/platinummonkey/guardpost/pkg/errs"
)

// Status is a membership's lifecycle state
type Status string

const (
	StatusInvited          Status = "invited"
	StatusActive           Status = "active"
	StatusPending          Status = "pending"
	StatusEmptyPermissions Status = "empty-permissions"
	StatusArchived         Status = "archived"
)

// ParseStatus validates a status string
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusInvited, StatusActive, StatusPending, StatusEmptyPermissions, StatusArchived:
		return Status(s), nil
	default:
		return "", errs.Validationf("invalid membership status %q", s)
	}
}

// SelectStatus is the status-transition rule applied after every role
// mutation. An outstanding invitation always wins; otherwise an empty role
// set parks the membership as pending.
func SelectStatus(old Status, roles RoleSet) Status {
	if old == StatusInvited {
		return StatusInvited
	}
	if len(roles) == 0 {
		return StatusPending
	}
	return StatusActive
}

// Mode selects how UpdateRoles combines the requested roles with the
// existing set
type Mode string

const (
	ModeReplace    Mode = "replace"
	ModeAddOnly    Mode = "add-only"
	ModeRemoveOnly Mode = "remove-only"
)

// ParseMode validates a mode string; empty means replace
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeReplace, nil
	case ModeReplace, ModeAddOnly, ModeRemoveOnly:
		return Mode(s), nil
	default:
		return "", errs.Validationf("invalid role update mode %q", s)
	}
}

// ApplyMode combines existing and input according to mode
func ApplyMode(existing, input RoleSet, mode Mode) RoleSet {
	switch mode {
	case ModeAddOnly:
		return existing.Union(input)
	case ModeRemoveOnly:
		return existing.Minus(input)
	default:
		return NewRoleSet(input...)
	}
}
