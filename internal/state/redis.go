package state

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore backs Store with a Redis server.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// ConnectRedis opens and pings a Redis connection. Callers fall back to
// NewMemory when this fails.
func ConnectRedis(ctx context.Context, url string, log zerolog.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.PoolSize = 50

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	log.Info().Str("url", url).Msg("redis connected")
	return &RedisStore{client: client, log: log}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LSet(ctx context.Context, key string, index int64, value string) error {
	return s.client.LSet(ctx, key, index, value).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire so failures surface here, not on
	// the first Receive.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.TxPipeline()}
}

// PoolStats exposes connection pool counters for the metrics collector.
func (s *RedisStore) PoolStats() (totalConns, idleConns uint32) {
	st := s.client.PoolStats()
	return st.TotalConns, st.IdleConns
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (r *redisSubscription) Receive(ctx context.Context) (string, error) {
	msg, err := r.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrNoMessage
		}
		return "", err
	}
	return msg.Payload, nil
}

func (r *redisSubscription) Close() error {
	return r.ps.Close()
}

type redisPipeline struct {
	pipe    redis.Pipeliner
	pending []pendingMap
}

type pendingMap struct {
	cmd *redis.MapStringStringCmd
	out *MapResult
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) {
	p.pipe.Set(context.Background(), key, value, ttl)
}

func (p *redisPipeline) HSet(key string, fields map[string]string) {
	p.pipe.HSet(context.Background(), key, fields)
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipeline) Del(key string) {
	p.pipe.Del(context.Background(), key)
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), key, args...)
}

func (p *redisPipeline) LPush(key string, values ...string) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	p.pipe.LPush(context.Background(), key, args...)
}

func (p *redisPipeline) RPush(key string, values ...string) {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	p.pipe.RPush(context.Background(), key, args...)
}

func (p *redisPipeline) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *redisPipeline) HGetAll(key string) *MapResult {
	out := &MapResult{}
	cmd := p.pipe.HGetAll(context.Background(), key)
	p.pending = append(p.pending, pendingMap{cmd: cmd, out: out})
	return out
}

func (p *redisPipeline) Incr(key string) {
	p.pipe.Incr(context.Background(), key)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	if _, err := p.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, pm := range p.pending {
		pm.out.Val = pm.cmd.Val()
	}
	return nil
}
