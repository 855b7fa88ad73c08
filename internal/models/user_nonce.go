package models

import "time"

// UserNonce is the per-user highest-accepted order nonce. Replay protection
// depends on updates being atomic with acceptance; see nonce.Store.
type UserNonce struct {
	User      string    `gorm:"column:user_address;primaryKey;type:varchar(42)"`
	Nonce     uint64    `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (UserNonce) TableName() string {
	return "user_nonces"
}
