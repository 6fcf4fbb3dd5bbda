package model

import (
	"time"

	"gorm.io/gorm"
)

// ErrorLog records one failed upstream attempt with its context. The
// request body is only stored when error_log_record_request_body is
// enabled.
type ErrorLog struct {
	gorm.Model
	APIKey      string    `gorm:"type:varchar(255);index"`
	ModelName   string    `gorm:"type:varchar(255);index"`
	ErrorType   string    `gorm:"type:varchar(255)"`
	ErrorLog    string    `gorm:"type:text"`
	ErrorCode   int       `gorm:"default:0"`
	RequestMsg  string    `gorm:"type:text"`
	RequestTime time.Time `gorm:"index"`
}
