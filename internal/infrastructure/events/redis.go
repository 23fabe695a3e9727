package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

// RedisPublisher fans version events out on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb      redisPublisher
	channel  string
	executor *resilience.Executor
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisPublisher(rdb redisPublisher, channel string, executor *resilience.Executor) *RedisPublisher {
	if strings.TrimSpace(channel) == "" {
		channel = "docflow.events"
	}
	return &RedisPublisher{rdb: rdb, channel: channel, executor: executor}
}

func (p *RedisPublisher) PublishVersionEvent(ctx context.Context, event domain.VersionEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal version event: %w", err)
	}
	call := func(ctx context.Context) error {
		return p.rdb.Publish(ctx, p.channel, raw).Err()
	}
	if p.executor != nil {
		err = p.executor.Execute(ctx, "redis.publish", call, classifyRedisError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.WrapError(domain.ErrTemporary, "publish version event", err)
	}
	return nil
}

func classifyRedisError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if goredis.HasErrorPrefix(err, "NOPERM") || goredis.HasErrorPrefix(err, "WRONGTYPE") {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
