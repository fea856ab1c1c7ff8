// Package config binds the process's environment variables via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
)

// Config exposes every tunable as a typed accessor, so call sites never
// touch viper or the environment directly.
type Config interface {
	RabbitMQHost() string
	RabbitMQPort() int
	RabbitMQUser() string
	RabbitMQPass() string
	RabbitMQVHost() string

	WSRPCURL(id chain.ID) (string, bool)

	MaxPoolsPerConnection() int
	CatchupEnabled() bool
	CatchupBatchSizeBlocks() uint64
	CatchupHeartbeatInterval() time.Duration

	CleanupInterval() time.Duration
	StaleThreshold() time.Duration
	PruneThreshold() time.Duration

	PollInterval() time.Duration

	RedisAddr() string
	RedisPassword() string
	RedisDB() int
	DatabaseURL() string
}

type viperConfig struct {
	v *viper.Viper
}

// New builds a Config bound to the process environment, applying the
// defaults documented in the table.
func New() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_pools_per_connection", 1000)
	v.SetDefault("catchup_enabled", true)
	v.SetDefault("catchup_batch_size_blocks", 10000)
	v.SetDefault("catchup_heartbeat_interval_ms", 60000)
	v.SetDefault("cleanup_interval_ms", 60000)
	v.SetDefault("stale_threshold_ms", 60000)
	v.SetDefault("prune_threshold_ms", 86400000)
	v.SetDefault("poll_interval_ms", 5000)
	v.SetDefault("rabbitmq_port", 5672)
	v.SetDefault("rabbitmq_vhost", "/")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	return &viperConfig{v: v}
}

func (c *viperConfig) RabbitMQHost() string  { return c.v.GetString("rabbitmq_host") }
func (c *viperConfig) RabbitMQPort() int     { return c.v.GetInt("rabbitmq_port") }
func (c *viperConfig) RabbitMQUser() string  { return c.v.GetString("rabbitmq_user") }
func (c *viperConfig) RabbitMQPass() string  { return c.v.GetString("rabbitmq_pass") }
func (c *viperConfig) RabbitMQVHost() string { return c.v.GetString("rabbitmq_vhost") }

// WSRPCURL resolves WS_RPC_URL_<CHAIN>, returning ok=false when unset
//.
func (c *viperConfig) WSRPCURL(id chain.ID) (string, bool) {
	info, err := chain.Lookup(id)
	if err != nil {
		return "", false
	}
	key := fmt.Sprintf("ws_rpc_url_%s", strings.ToLower(info.EnvSuffix))
	url := c.v.GetString(key)
	return url, url != ""
}

func (c *viperConfig) MaxPoolsPerConnection() int { return c.v.GetInt("max_pools_per_connection") }
func (c *viperConfig) CatchupEnabled() bool       { return c.v.GetBool("catchup_enabled") }
func (c *viperConfig) CatchupBatchSizeBlocks() uint64 {
	return uint64(c.v.GetInt64("catchup_batch_size_blocks"))
}
func (c *viperConfig) CatchupHeartbeatInterval() time.Duration {
	return time.Duration(c.v.GetInt64("catchup_heartbeat_interval_ms")) * time.Millisecond
}
func (c *viperConfig) CleanupInterval() time.Duration {
	return time.Duration(c.v.GetInt64("cleanup_interval_ms")) * time.Millisecond
}
func (c *viperConfig) StaleThreshold() time.Duration {
	return time.Duration(c.v.GetInt64("stale_threshold_ms")) * time.Millisecond
}
func (c *viperConfig) PruneThreshold() time.Duration {
	return time.Duration(c.v.GetInt64("prune_threshold_ms")) * time.Millisecond
}
func (c *viperConfig) PollInterval() time.Duration {
	return time.Duration(c.v.GetInt64("poll_interval_ms")) * time.Millisecond
}

func (c *viperConfig) RedisAddr() string     { return c.v.GetString("redis_addr") }
func (c *viperConfig) RedisPassword() string { return c.v.GetString("redis_password") }
func (c *viperConfig) RedisDB() int          { return c.v.GetInt("redis_db") }
func (c *viperConfig) DatabaseURL() string   { return c.v.GetString("database_url") }
