package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Market struct {
	ID       string `gorm:"primaryKey;type:varchar(100)"`
	Question string `gorm:"type:text;not null"`

	// YesPrice/NoPrice form the volume-weighted mid the matcher maintains.
	YesPrice decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0.5"`
	NoPrice  decimal.Decimal `gorm:"type:numeric(20,10);not null;default:0.5"`
	Volume   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	Resolved bool  `gorm:"not null;default:false;index"`
	Winner   *bool `gorm:""`

	ExpiresAt *time.Time `gorm:"type:timestamptz;index"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Market) TableName() string {
	return "markets"
}

func (m *Market) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}
