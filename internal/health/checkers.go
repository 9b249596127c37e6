package health

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/unpod-ai/voicecore/internal/circuitbreaker"
	"github.com/unpod-ai/voicecore/internal/db"
)

// RedisChecker pings Redis through the breaker-wrapped client.
type RedisChecker struct {
	Redis *circuitbreaker.RedisWrapper
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return true }
func (c *RedisChecker) Check(ctx context.Context) error {
	return c.Redis.Ping(ctx)
}

// PostgresChecker pings the task database.
type PostgresChecker struct {
	Pool *db.Pool
}

func (c *PostgresChecker) Name() string   { return "postgres" }
func (c *PostgresChecker) Critical() bool { return true }
func (c *PostgresChecker) Check(ctx context.Context) error {
	conn, err := c.Pool.DB(ctx)
	if err != nil {
		return err
	}
	return conn.PingContext(ctx)
}

// MongoChecker pings the call-log store. Non-critical: calls can run
// and complete without it, only log persistence degrades.
type MongoChecker struct {
	Client *mongo.Client
}

func (c *MongoChecker) Name() string   { return "mongo" }
func (c *MongoChecker) Critical() bool { return false }
func (c *MongoChecker) Check(ctx context.Context) error {
	return c.Client.Ping(ctx, nil)
}

// KafkaChecker dials the queue broker.
type KafkaChecker struct {
	Broker string
}

func (c *KafkaChecker) Name() string   { return "kafka" }
func (c *KafkaChecker) Critical() bool { return true }
func (c *KafkaChecker) Check(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", c.Broker)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	return conn.Close()
}
