package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
// 身份驗證由外部系統負責，這裡只保留識別與通知所需的基本資訊
type User struct {
	gorm.Model

	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username string    `gorm:"type:varchar(255);not null;<-:create"`
	Email    string    `gorm:"type:varchar(255);not null;<-:create"`
	IsAdmin  bool      `gorm:"not null;default:false"`
}

// BeforeCreate 在建立時自動產生使用者的ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
