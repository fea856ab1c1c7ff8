package worker

import (
	"time"

	"github.com/0xNedAlbo/midcurve-finance-sub000/core/chain"
	"github.com/0xNedAlbo/midcurve-finance-sub000/core/config"
)

// testConfig satisfies config.Config with fixed values so worker tests
// never touch the environment.
type testConfig struct {
	maxPerBatch    int
	pruneThreshold time.Duration
}

var _ config.Config = (*testConfig)(nil)

func newTestConfig() *testConfig {
	return &testConfig{maxPerBatch: 1000, pruneThreshold: 24 * time.Hour}
}

func (c *testConfig) RabbitMQHost() string  { return "localhost" }
func (c *testConfig) RabbitMQPort() int     { return 5672 }
func (c *testConfig) RabbitMQUser() string  { return "guest" }
func (c *testConfig) RabbitMQPass() string  { return "guest" }
func (c *testConfig) RabbitMQVHost() string { return "/" }

func (c *testConfig) WSRPCURL(chain.ID) (string, bool) { return "", false }

func (c *testConfig) MaxPoolsPerConnection() int               { return c.maxPerBatch }
func (c *testConfig) CatchupEnabled() bool                     { return true }
func (c *testConfig) CatchupBatchSizeBlocks() uint64           { return 10000 }
func (c *testConfig) CatchupHeartbeatInterval() time.Duration  { return time.Minute }
func (c *testConfig) CleanupInterval() time.Duration           { return time.Minute }
func (c *testConfig) StaleThreshold() time.Duration            { return time.Minute }
func (c *testConfig) PruneThreshold() time.Duration            { return c.pruneThreshold }
func (c *testConfig) PollInterval() time.Duration              { return 5 * time.Second }

func (c *testConfig) RedisAddr() string     { return "localhost:6379" }
func (c *testConfig) RedisPassword() string { return "" }
func (c *testConfig) RedisDB() int          { return 0 }
func (c *testConfig) DatabaseURL() string   { return "" }
