package api

import (
	"crypto/ed25519"
	"time"
)

type ServerConfig struct {
	Auth      AuthConfig
	S3        S3Config
	DB        DBConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig

	// ID 是此服務實例在consumer group中的名稱
	ID string
}

type AuthConfig struct {
	// PublicKey 用於驗證授權伺服器簽發的Ed25519 token
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
}

type S3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Bucket          string
	PublicBaseURL   string
	// RateLimitPerHour 限制單一使用者每小時可上傳的圖片數量
	RateLimitPerHour int64
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix 是所有Redis key的前綴，用於隔離不同環境
	KeyPrefix string
	// ExpireTime 是最高出價快取的存活時間
	ExpireTime time.Duration

	StreamKeys    RedisStreamKeys
	ConsumerGroup string
}

type RedisStreamKeys struct {
	// Events 是領域事件的stream，SSE廣播與通知worker都從這裡讀取
	Events string
}

type SchedulerConfig struct {
	// PollInterval 是排程器輪詢到期工作的間隔
	PollInterval time.Duration
	// SweepInterval 是從資料庫重建排程的間隔
	SweepInterval time.Duration
}
