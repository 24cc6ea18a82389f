package model

import (
	"time"

	"gorm.io/datatypes"
)

// VM event types published on the broadcast channel.
const (
	EventVMStatusChange = "vm.status_change"
	EventVMCreated      = "vm.created"
	EventVMDeleted      = "vm.deleted"
	EventVMRestartPhase = "vm.restart_phase"
)

// VMEvent is the journal row behind every published event. Observers that
// missed the live broadcast can catch up by reading rows with id greater
// than the last one they saw.
type VMEvent struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	VMExternalID string         `gorm:"type:varchar(50);not null;index" json:"vm_external_id"`
	EventType    string         `gorm:"type:varchar(64);not null" json:"event_type"`
	Payload      datatypes.JSON `json:"payload"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// TableName specifies the table name for VMEvent model
func (VMEvent) TableName() string {
	return "vm_events"
}
