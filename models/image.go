package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Image 代表拍賣商品的圖片上傳紀錄
// 用於追蹤上傳者與限制上傳頻率，圖片本體儲存在S3
type Image struct {
	gorm.Model

	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UploaderID uuid.UUID `gorm:"type:uuid;not null;<-:create"`
	Url        string    `gorm:"type:text;not null;<-:create"`

	Uploader *User `gorm:"foreignKey:UploaderID"`
}

// BeforeCreate 在建立時自動產生圖片紀錄的ID
func (i *Image) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
