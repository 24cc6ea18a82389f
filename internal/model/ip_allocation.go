package model

import "time"

// IPAllocation binds one address to one VM for as long as it is active.
//
// Active is a nullable bool: 1 while the allocation is live, NULL once
// released. MySQL has no partial unique indexes, but it does allow repeated
// NULLs in a unique index, so uk_pool_address_active and uk_vm_active only
// constrain active rows. Released rows are kept for audit, never deleted.
type IPAllocation struct {
	BaseModel
	PoolID       int        `gorm:"not null;index;uniqueIndex:uk_pool_address_active" json:"pool_id"`
	VMExternalID string     `gorm:"type:varchar(50);not null;index;uniqueIndex:uk_vm_active" json:"vm_external_id"`
	Address      string     `gorm:"type:varchar(15);not null;index;uniqueIndex:uk_pool_address_active,priority:2" json:"address"`
	Active       *bool      `gorm:"type:tinyint;uniqueIndex:uk_pool_address_active,priority:3;uniqueIndex:uk_vm_active,priority:2" json:"active"`
	AllocatedAt  time.Time  `gorm:"not null" json:"allocated_at"`
	ReleasedAt   *time.Time `json:"released_at"`

	// Relations
	Pool *IPPool `gorm:"foreignKey:PoolID" json:"pool,omitempty"`
}

// TableName specifies the table name for IPAllocation model
func (IPAllocation) TableName() string {
	return "ip_allocations"
}

// IsActive reports whether the allocation is still live.
func (a *IPAllocation) IsActive() bool {
	return a.Active != nil && *a.Active
}
