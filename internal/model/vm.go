package model

// VMStatus represents VM lifecycle status
type VMStatus string

const (
	VMStatusPending      VMStatus = "pending"
	VMStatusProvisioning VMStatus = "provisioning"
	VMStatusRunning      VMStatus = "running"
	VMStatusStopping     VMStatus = "stopping"
	VMStatusStopped      VMStatus = "stopped"
	VMStatusStarting     VMStatus = "starting"
	VMStatusRestarting   VMStatus = "restarting"
	VMStatusDeleting     VMStatus = "deleting"
	VMStatusError        VMStatus = "error"
)

// VM represents a tenant microVM
type VM struct {
	BaseModel
	ExternalID  string   `gorm:"type:varchar(50);uniqueIndex;not null" json:"external_id"`
	Name        string   `gorm:"type:varchar(64);not null" json:"name"`
	Description string   `gorm:"type:varchar(500)" json:"description"`
	VCPUCount   int      `gorm:"not null;default:1" json:"vcpu_count"`
	MemoryMB    int      `gorm:"not null;default:512" json:"memory_mb"`
	Address     *string  `gorm:"type:varchar(15);index" json:"address"`
	Status      VMStatus `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	// ErrorMessage is non-empty only while Status is error
	ErrorMessage *string `gorm:"type:varchar(1000)" json:"error_message"`
	Host         *string `gorm:"type:varchar(100)" json:"host"`
	KernelRef    *string `gorm:"type:varchar(255)" json:"kernel_ref"`
	OwnerID      int     `gorm:"not null;index" json:"owner_id"`

	// Relations
	Owner *User `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`
}

// TableName specifies the table name for VM model
func (VM) TableName() string {
	return "vms"
}
