package bus

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisPublisher maps topics onto Redis pub/sub channels.
type RedisPublisher struct {
	client *redis.Client
	log    *logrus.Entry
}

func NewRedis(ctx context.Context, url string, log *logrus.Entry) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedisWithClient(client, log), nil
}

func NewRedisWithClient(client *redis.Client, log *logrus.Entry) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	receivers, err := p.client.Publish(ctx, topic, body).Result()
	if err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	p.log.WithFields(logrus.Fields{"topic": topic, "type": env.Meta.Type, "receivers": receivers}).Debug("published")
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
