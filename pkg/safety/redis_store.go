package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrContention is returned when a Redis optimistic transaction keeps losing.
var ErrContention = errors.New("breaker state contention")

const (
	stateTTL        = 30 * 24 * time.Hour
	maxWatchRetries = 10
)

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps breaker state in one hash per tenant, mutated under
// WATCH/MULTI, and daily savings in a per-day float counter reserved by a
// Lua compare-and-increment.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a breaker store backed by Redis.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func stateKey(tenantID string) string { return "reaper:breaker:" + tenantID }

func savingsKey(tenantID string, day time.Time) string {
	return "reaper:breaker:" + tenantID + ":savings:" + dayKey(day)
}

func (s *RedisStore) Load(ctx context.Context, tenantID string) (BreakerState, error) {
	data, err := s.client.HGetAll(ctx, stateKey(tenantID)).Result()
	if err != nil {
		return BreakerState{}, err
	}
	return decodeState(data), nil
}

func (s *RedisStore) Mutate(ctx context.Context, tenantID string, fn func(*BreakerState) error) (BreakerState, error) {
	key := stateKey(tenantID)
	var out BreakerState

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		before := decodeState(data)
		out = before

		st := copyState(before)
		if err := fn(&st); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, encodeState(st))
			p.Expire(ctx, key, stateTTL)
			return nil
		})
		if err == nil {
			out = st
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, ErrContention
}

func (s *RedisStore) DailySavings(ctx context.Context, tenantID string, day time.Time) (float64, error) {
	v, err := s.client.Get(ctx, savingsKey(tenantID, day)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// reserveScript increments the savings counter only while it stays within
// the cap. KEYS[1] counter, ARGV amount, limit, expiry (unix seconds).
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur + tonumber(ARGV[1]) > tonumber(ARGV[2]) then
  return {0, tostring(cur)}
end
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('EXPIREAT', KEYS[1], ARGV[3])
return {1, total}
`)

// refundScript decrements an existing counter, flooring at zero.
var refundScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return '0'
end
local total = tonumber(cur) - tonumber(ARGV[1])
if total < 0 then
  total = 0
end
redis.call('SET', KEYS[1], tostring(total), 'KEEPTTL')
return tostring(total)
`)

func (s *RedisStore) ReserveDailySavings(ctx context.Context, tenantID string, day time.Time, amount, limit float64) (float64, bool, error) {
	d := day.UTC()
	// One hour of slack past midnight.
	expireAt := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Add(25 * time.Hour)

	res, err := reserveScript.Run(ctx, s.client, []string{savingsKey(tenantID, day)},
		strconv.FormatFloat(amount, 'f', -1, 64),
		strconv.FormatFloat(limit, 'f', -1, 64),
		expireAt.Unix(),
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve daily savings: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve daily savings: unexpected reply %v", res)
	}
	ok, _ := res[0].(int64)
	raw, _ := res[1].(string)
	total, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("reserve daily savings: parse total %q: %w", raw, err)
	}
	return total, ok == 1, nil
}

func (s *RedisStore) RefundDailySavings(ctx context.Context, tenantID string, day time.Time, amount float64) (float64, error) {
	raw, err := refundScript.Run(ctx, s.client, []string{savingsKey(tenantID, day)},
		strconv.FormatFloat(amount, 'f', -1, 64),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("refund daily savings: %w", err)
	}
	return strconv.ParseFloat(raw, 64)
}

func (s *RedisStore) Reset(ctx context.Context, tenantID string) error {
	return s.client.Del(ctx, stateKey(tenantID), savingsKey(tenantID, time.Now())).Err()
}

func encodeState(s BreakerState) map[string]any {
	return map[string]any{
		"state":           string(s.State),
		"failure_count":   s.FailureCount,
		"success_count":   s.SuccessCount,
		"last_failure_at": encodeTime(s.LastFailureAt),
		"last_success_at": encodeTime(s.LastSuccessAt),
		"probe_in_flight": strconv.FormatBool(s.ProbeInFlight),
	}
}

func decodeState(data map[string]string) BreakerState {
	st := BreakerState{State: State(data["state"])}
	if n, err := strconv.Atoi(data["failure_count"]); err == nil {
		st.FailureCount = n
	}
	if n, err := strconv.Atoi(data["success_count"]); err == nil {
		st.SuccessCount = n
	}
	st.LastFailureAt = decodeTime(data["last_failure_at"])
	st.LastSuccessAt = decodeTime(data["last_success_at"])
	st.ProbeInFlight, _ = strconv.ParseBool(data["probe_in_flight"])
	return st
}

func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

// RedisCounter is an ExecutionCounter shared across workers.
type RedisCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

func (c *RedisCounter) TryAcquire(ctx context.Context, tenantID string, limit int) (bool, int, error) {
	key := CounterKey(tenantID, c.now())

	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, time.Hour+time.Minute)
		return nil
	})
	if err != nil {
		return false, 0, err
	}

	n := int(incr.Val())
	if n > limit {
		// Hand the over-reservation back; granted slots never exceed limit.
		if err := c.client.Decr(ctx, key).Err(); err != nil {
			return false, limit, err
		}
		return false, limit, nil
	}
	return true, n, nil
}

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

func (c *RedisCounter) Release(ctx context.Context, tenantID string) error {
	return releaseScript.Run(ctx, c.client, []string{CounterKey(tenantID, c.now())}).Err()
}

func (c *RedisCounter) Count(ctx context.Context, tenantID string) (int, error) {
	n, err := c.client.Get(ctx, CounterKey(tenantID, c.now())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
