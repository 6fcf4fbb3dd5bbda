package model

import (
	"time"

	"gorm.io/gorm"
)

// RequestLog records one upstream attempt, successful or not.
type RequestLog struct {
	gorm.Model
	ModelName   string    `gorm:"type:varchar(255);index"`
	APIKey      string    `gorm:"type:varchar(255);index"`
	IsSuccess   bool      `gorm:"not null"`
	StatusCode  int       `gorm:"default:0"`
	LatencyMS   int64     `gorm:"default:0"`
	RequestTime time.Time `gorm:"index"`
}
