package db

import (
	"gorm.io/gorm"
)

// RunMigrations runs all database migrations
func RunMigrations(db *DB) error {
	if err := db.AutoMigrate(&InventoryItem{}, &RateWindow{}); err != nil {
		return err
	}

	if err := createIndexes(db.DB); err != nil {
		return err
	}

	return seedItems(db.DB)
}

func createIndexes(db *gorm.DB) error {
	indexes := []string{
		// Sweep scans only lapsed holds
		`CREATE INDEX IF NOT EXISTS idx_items_expiry ON inventory_items(state, reserved_until) WHERE state = 'RESERVED'`,

		// Counter purge deletes by window age
		`CREATE INDEX IF NOT EXISTS idx_rate_windows_start ON rate_windows(window_start)`,
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return err
		}
	}

	return nil
}

// seedItems inserts demo card units if the table is empty, mirroring the
// dev fixtures the storefront expects. Production rows come from the
// ingestion pipeline instead.
func seedItems(db *gorm.DB) error {
	var count int64
	if err := db.Model(&InventoryItem{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	units := []InventoryItem{
		{ItemID: "CARD-0001", ProductID: "BASE-004-holo", State: StateAvailable},
		{ItemID: "CARD-0002", ProductID: "BASE-004-holo", State: StateAvailable},
		{ItemID: "CARD-0003", ProductID: "BASE-058-base", State: StateAvailable},
		{ItemID: "CARD-0004", ProductID: "BASE-058-base", State: StateAvailable},
		{ItemID: "CARD-0005", ProductID: "BASE-058-base", State: StateAvailable},
		{ItemID: "CARD-0006", ProductID: "BASE-046-base", State: StateAvailable},
		{ItemID: "CARD-0007", ProductID: "BASE-046-base", State: StateAvailable},
		{ItemID: "CARD-0008", ProductID: "JUNGLE-007-holo", State: StateAvailable},
		{ItemID: "CARD-0009", ProductID: "FOSSIL-005-holo", State: StateAvailable},
		{ItemID: "CARD-0010", ProductID: "FOSSIL-005-holo", State: StateAvailable},
		{ItemID: "CARD-0011", ProductID: "PROMO-024-base", State: StateAvailable},
		{ItemID: "CARD-0012", ProductID: "PROMO-024-base", State: StateAvailable},
	}

	return db.Create(&units).Error
}
