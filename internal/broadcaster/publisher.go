package broadcaster

import (
	"context"
	"fmt"
	"strings"

	"wisefido-scada/owl-common/config"
	rediscommon "wisefido-scada/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// 传输方式
const (
	TransportRedis       = "redis"
	TransportRedisStream = "redis-stream"
	TransportNATS        = "nats"
)

// ChannelName 租户的 Redis 频道 / stream 名
func ChannelName(tenantID string) string {
	return "readings:" + tenantID
}

// SubjectName 租户的 NATS subject
func SubjectName(tenantID string) string {
	return "readings." + tenantID
}

// Publisher 下游发布传输
type Publisher interface {
	Publish(ctx context.Context, tenantID string, payload []byte) error
	Close() error
}

// RedisPublisher Redis pub/sub，客户端由调用方持有
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher 创建 pub/sub 发布者
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID string, payload []byte) error {
	_, err := rediscommon.PublishToChannel(ctx, p.client, ChannelName(tenantID), payload)
	return err
}

func (p *RedisPublisher) Close() error { return nil }

// RedisStreamPublisher Redis Streams，下游可用消费者组做至少一次消费
type RedisStreamPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewRedisStreamPublisher 创建 stream 发布者，maxLen 为近似裁剪长度
func NewRedisStreamPublisher(client *redis.Client, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, tenantID string, payload []byte) error {
	_, err := rediscommon.PublishToStream(ctx, p.client, ChannelName(tenantID), p.maxLen, map[string]interface{}{
		"tenant_id": tenantID,
		"data":      string(payload),
	})
	return err
}

func (p *RedisStreamPublisher) Close() error { return nil }

// NATSPublisher NATS core publish
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher 连接 NATS
func NewNATSPublisher(cfg *config.NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, tenantID string, payload []byte) error {
	return p.conn.Publish(SubjectName(tenantID), payload)
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// NewPublisher 按传输方式创建发布者
func NewPublisher(transport string, client *redis.Client, streamMaxLen int64, natsCfg *config.NATSConfig, logger *zap.Logger) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(transport)) {
	case "", TransportRedis:
		return NewRedisPublisher(client), nil
	case TransportRedisStream:
		return NewRedisStreamPublisher(client, streamMaxLen), nil
	case TransportNATS:
		return NewNATSPublisher(natsCfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broadcast transport: %s", transport)
	}
}
