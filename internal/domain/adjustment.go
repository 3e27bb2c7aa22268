package domain

import "time"

// StockAdjustment records a direct stock correction (restock, shrinkage, recount).
type StockAdjustment struct {
	ID         string
	ProductID  string
	Delta      int
	Reason     string
	StockAfter int
	CreatedAt  time.Time
}
