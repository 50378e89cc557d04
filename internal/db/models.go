package db

import (
	"time"

	"gorm.io/gorm"
)

// Inventory item states. SOLD is terminal for this service; sold units
// never return to the claimable pool.
const (
	StateAvailable = "AVAILABLE"
	StateReserved  = "RESERVED"
	StateSold      = "SOLD"
)

// InventoryItem is one physical card in stock. Units are non-fungible:
// several rows may share a ProductID (the catalog SKU) but each row is a
// distinct physical unit with its own hold state.
type InventoryItem struct {
	ItemID    string `gorm:"primaryKey;type:varchar(64)" json:"item_id"`
	ProductID string `gorm:"type:varchar(64);not null;index:idx_items_product_state,priority:1" json:"product_id"`
	State     string `gorm:"type:varchar(16);not null;default:'AVAILABLE';index:idx_items_product_state,priority:2" json:"state"`

	// HolderSessionID and ReservedUntil are both set or both null. A row
	// with ReservedUntil <= now is logically available even before a sweep
	// clears it.
	HolderSessionID *string `gorm:"type:varchar(64);index:idx_items_holder" json:"holder_session_id,omitempty"`
	ReservedUntil   *int64  `json:"reserved_until,omitempty"`
	FirstReservedAt *int64  `json:"first_reserved_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName specifies the table name for InventoryItem model
func (InventoryItem) TableName() string {
	return "inventory_items"
}

// BeforeCreate hook to set timestamps
func (i *InventoryItem) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = now
	}
	return nil
}

// RateWindow is one fixed-window request counter. Exactly one row exists
// per (identity, window start); stale windows are purged lazily.
type RateWindow struct {
	Identity     string `gorm:"primaryKey;type:varchar(64)"`
	WindowStart  int64  `gorm:"primaryKey;autoIncrement:false"`
	RequestCount int64  `gorm:"not null;default:0"`
}

// TableName specifies the table name for RateWindow model
func (RateWindow) TableName() string {
	return "rate_windows"
}
