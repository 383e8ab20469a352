package models

import (
	"time"
)

// Group 临时群组。active_user_count 永不为负，归零且超过宽限期后可被清理
type Group struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	Name            string   `gorm:"size:30;not null" json:"name"`
	Tags            []string `gorm:"serializer:json" json:"tags"`
	Key             string   `gorm:"type:text;not null" json:"key"`
	ActiveUserCount int      `gorm:"not null;default:0;index" json:"active_user_count"`

	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `gorm:"index" json:"last_active_at"`
}

func (Group) TableName() string {
	return "groups"
}

// IdleSince reports whether neither membership nor heartbeat touched g after cutoff.
func (g *Group) IdleSince(cutoff time.Time) bool {
	return g.ActiveUserCount == 0 && g.LastActiveAt.Before(cutoff) && g.UpdatedAt.Before(cutoff)
}
