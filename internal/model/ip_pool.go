package model

// IPPool represents an address pool VMs allocate from.
// RangeStart and RangeEnd are derived once at pool creation by excluding the
// network, broadcast and gateway addresses from the CIDR; the pool record is
// immutable after that.
type IPPool struct {
	BaseModel
	Name        string `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	CIDR        string `gorm:"type:varchar(18);not null" json:"cidr"`
	Gateway     string `gorm:"type:varchar(15);not null" json:"gateway"`
	RangeStart  string `gorm:"type:varchar(15);not null" json:"range_start"`
	RangeEnd    string `gorm:"type:varchar(15);not null" json:"range_end"`
	Active      bool   `gorm:"type:tinyint;default:1;index" json:"active"`
	Description string `gorm:"type:varchar(500)" json:"description"`
}

// TableName specifies the table name for IPPool model
func (IPPool) TableName() string {
	return "ip_pools"
}
