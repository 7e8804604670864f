package audit

import "time"

// Action is the kind of change an audit entry records
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionArchive Action = "archive"
	ActionRestore Action = "restore"
	ActionDestroy Action = "destroy"
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
)

// Entity names used by the core
const (
	EntityMembership       = "membership"
	EntityRole             = "role"
	EntityTenantInvitation = "tenant_invitation"
)

// Entry is one append-only audit record
type Entry struct {
	ID         int64                  `json:"id,omitempty"`
	EntityName string                 `json:"entity_name"`
	EntityID   int64                  `json:"entity_id"`
	Action     Action                 `json:"action"`
	Values     map[string]interface{} `json:"values,omitempty"`
	ActorID    *int64                 `json:"actor_id,omitempty"`
	TenantID   *int64                 `json:"tenant_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewEntry builds an entry stamped with the current time
func NewEntry(entityName string, entityID int64, action Action, values map[string]interface{}) *Entry {
	return &Entry{
		EntityName: entityName,
		EntityID:   entityID,
		Action:     action,
		Values:     values,
		Timestamp:  time.Now().UTC(),
	}
}
