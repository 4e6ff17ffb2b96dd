package model

import "time"

// Account is the external resource a warmup task acts upon. At most one
// RUNNING task per account at any time.
type Account struct {
	ID        int64  `gorm:"primaryKey"`
	OwnerID   int64  `gorm:"index;not null"`
	Username  string `gorm:"size:128;index"`
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "accounts" }
