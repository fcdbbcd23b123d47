package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"gavel/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("instance-id", "gavel-1", "")

	// auth config
	pflag.String("auth-public-key", "", "base64 encoded ed25519 public key")
	pflag.String("auth-issuer", "", "")
	pflag.String("auth-audience", "", "")

	// s3 config
	pflag.String("s3-endpoint", "", "")
	pflag.String("s3-bucket", "", "")
	pflag.String("s3-public-base-url", "", "")
	pflag.String("s3-access-key-id", "", "")
	pflag.String("s3-secret-access-key", "", "")
	pflag.Int64("s3-rate-limit-per-hour", 30, "")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "gavel:", "")
	pflag.Duration("redis-expire-time", time.Hour, "")
	pflag.String("redis-stream-key-for-events", "gavel-shared-event-stream", "")
	pflag.String("redis-consumer-group", "gavel-notify", "")

	// scheduler config
	pflag.Duration("scheduler-poll-interval", time.Second, "")
	pflag.Duration("scheduler-sweep-interval", time.Minute, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GAVEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// auth public key是base64編碼的ed25519公鑰
	var publicKey ed25519.PublicKey
	if encoded := viper.GetString("auth-public-key"); encoded != "" {
		if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(decoded) == ed25519.PublicKeySize {
			publicKey = ed25519.PublicKey(decoded)
		}
	}

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		ServerConfig: api.ServerConfig{
			Auth: api.AuthConfig{
				PublicKey: publicKey,
				Issuer:    viper.GetString("auth-issuer"),
				Audience:  viper.GetString("auth-audience"),
			},
			S3: api.S3Config{
				Endpoint:         viper.GetString("s3-endpoint"),
				Bucket:           viper.GetString("s3-bucket"),
				PublicBaseURL:    viper.GetString("s3-public-base-url"),
				AccessKeyID:      viper.GetString("s3-access-key-id"),
				SecretAccessKey:  viper.GetString("s3-secret-access-key"),
				RateLimitPerHour: viper.GetInt64("s3-rate-limit-per-hour"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:       viper.GetString("redis-addr"),
				Password:   viper.GetString("redis-password"),
				DB:         viper.GetInt("redis-db"),
				KeyPrefix:  viper.GetString("redis-key-prefix"),
				ExpireTime: viper.GetDuration("redis-expire-time"),
				StreamKeys: api.RedisStreamKeys{
					Events: viper.GetString("redis-stream-key-for-events"),
				},
				ConsumerGroup: viper.GetString("redis-consumer-group"),
			},
			Scheduler: api.SchedulerConfig{
				PollInterval:  viper.GetDuration("scheduler-poll-interval"),
				SweepInterval: viper.GetDuration("scheduler-sweep-interval"),
			},
			ID: viper.GetString("instance-id"),
		},
	}
}

type Args struct {
	ServerURL    string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	return args.ServerURL != "" &&
		args.ServerConfig.Auth.PublicKey != nil &&
		args.ServerConfig.DB.Host != "" &&
		args.ServerConfig.Redis.Addr != ""
}
