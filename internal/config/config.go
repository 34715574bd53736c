// Package config resolves server configuration from flags and environment
// variables (PARTY_-prefixed), in the style of Seednode-partybox's
// viper-backed flag set, layered over the teacher repo's plain env
// defaults.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every knob the server reads at startup. None of these
// influence protocol semantics — they are deployment/ops concerns only.
type Config struct {
	HTTPAddr   string
	PromAddr   string
	TraceStdout bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBDSN string

	RabbitMQURL string

	JWTSecret string
	RoomTTL   time.Duration

	AdminSecretHash string

	SnapshotQueueName string
}

// Bind registers PARTY_-prefixed flags on fs and returns a Viper instance
// that resolves them against flags, then environment, then the defaults
// baked into the flag set itself.
func Bind(fs *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.String("http-addr", ":8080", "address to bind the HTTP/SSE API (env: PARTY_HTTP_ADDR)")
	fs.String("prom-addr", ":9090", "not read by the server; /metrics is served on the HTTP/SSE address (env: PARTY_PROM_ADDR)")
	fs.Bool("trace-stdout", false, "emit OpenTelemetry spans to stdout (env: PARTY_TRACE_STDOUT)")

	fs.String("redis-addr", "", "redis address; empty falls back to an in-process store (env: PARTY_REDIS_ADDR)")
	fs.String("redis-password", "", "redis password (env: PARTY_REDIS_PASSWORD)")
	fs.Int("redis-db", 0, "redis logical database index (env: PARTY_REDIS_DB)")

	fs.String("db-dsn", "", "optional MySQL DSN for the content catalog; empty uses the embedded seed (env: PARTY_DB_DSN)")

	fs.String("rabbitmq-url", "", "optional RabbitMQ URL for the analytics sink; empty disables it (env: PARTY_RABBITMQ_URL)")

	fs.String("jwt-secret", "dev-secret-change", "HMAC secret for host session tokens (env: PARTY_JWT_SECRET)")
	fs.Duration("room-ttl", 6*time.Hour, "TTL for a room's ephemeral state (env: PARTY_ROOM_TTL)")

	fs.String("admin-secret-hash", "", "bcrypt hash of the admin force-phase override secret; empty disables the override (env: PARTY_ADMIN_SECRET_HASH)")

	fs.String("analytics-queue", "recreation_analytics", "RabbitMQ queue name for the analytics sink (env: PARTY_ANALYTICS_QUEUE)")

	v.BindPFlags(fs)
	return v
}

// Load materializes a Config from a bound Viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		HTTPAddr:    v.GetString("http-addr"),
		PromAddr:    v.GetString("prom-addr"),
		TraceStdout: v.GetBool("trace-stdout"),

		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		DBDSN: v.GetString("db-dsn"),

		RabbitMQURL: v.GetString("rabbitmq-url"),

		JWTSecret: v.GetString("jwt-secret"),
		RoomTTL:   v.GetDuration("room-ttl"),

		AdminSecretHash: v.GetString("admin-secret-hash"),

		SnapshotQueueName: v.GetString("analytics-queue"),
	}
}
