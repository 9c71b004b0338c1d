package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pushgate/pkg/logx"
)

const (
	redisTokensKey     = "pushgate:tokens"
	redisTokensByTime  = "pushgate:tokens:by_time"
	redisDeliveriesKey = "pushgate:deliveries"
	defaultDeliveryMax = 10000
	redisConnectWait   = 5 * time.Second
)

var ErrRedisNotReady = errors.New("storage: redis not ready")

// redisStore keeps tokens in a hash plus a sorted set scored by time, and the
// delivery log in a list capped at deliveryMax entries.
type redisStore struct {
	rdb         *redis.Client
	log         logx.Logger
	deliveryMax int64
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(errors.New("storage: parse redis url"), err)
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, redisConnectWait)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Join(ErrRedisNotReady, err)
	}
	return newRedisStore(rdb, cfg.DeliveryLogMax, log), nil
}

func newRedisStore(rdb *redis.Client, deliveryMax int, log logx.Logger) *redisStore {
	if deliveryMax <= 0 {
		deliveryMax = defaultDeliveryMax
	}
	return &redisStore{rdb: rdb, log: log, deliveryMax: int64(deliveryMax)}
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) PutExpiredToken(ctx context.Context, t ExpiredToken) error {
	if err := normalizeToken(&t); err != nil {
		return err
	}
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisTokensKey, t.Token, b)
		p.ZAdd(ctx, redisTokensByTime, redis.Z{Score: float64(t.At.UnixMilli()), Member: t.Token})
		return nil
	})
	return err
}

func (s *redisStore) ExpiredTokens(ctx context.Context, since time.Time, limit int) ([]ExpiredToken, error) {
	rng := &redis.ZRangeBy{Min: strconv.FormatInt(since.UnixMilli(), 10), Max: "+inf"}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	members, err := s.rdb.ZRangeByScore(ctx, redisTokensByTime, rng).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}
	vals, err := s.rdb.HMGet(ctx, redisTokensKey, members...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]ExpiredToken, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Debug("token indexed without a record", logx.String("token", members[i]))
			continue
		}
		var t ExpiredToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			s.log.Warn("corrupt token record", logx.String("token", members[i]), logx.Err(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *redisStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, redisDeliveriesKey, b)
		p.LTrim(ctx, redisDeliveriesKey, 0, s.deliveryMax-1)
		return nil
	})
	return err
}
