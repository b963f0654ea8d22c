package redis

import (
	"context"

	"wisefido-scada/owl-common/config"

	"github.com/go-redis/redis/v8"
)

// Client Redis客户端类型别名
type Client = redis.Client

// NewRedisClient 创建Redis客户端
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// PublishToChannel 发布消息到 pub/sub 频道，返回收到消息的订阅者数量
func PublishToChannel(ctx context.Context, client *redis.Client, channel string, payload []byte) (int64, error) {
	return client.Publish(ctx, channel, payload).Result()
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	return client.Close()
}
