package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

const (
	fieldValue      = "v"
	fieldVersion    = "ver"
	fieldCreatedAt  = "ca"
	fieldExpiresAt  = "ea"
	fieldCompressed = "z"
)

// setScript stores an entry hash unless the stored version is higher.
// ARGV: value, version (0 = next), created_ns, expires_ms, compressed, ttl_ms.
// Returns {accepted, version}.
var setScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'ver') or '0')
local ver = tonumber(ARGV[2])
if ver == 0 then
	ver = cur + 1
elseif ver < cur then
	return {0, cur}
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', ver, 'ca', ARGV[3], 'ea', ARGV[4], 'z', ARGV[5])
local ttl = tonumber(ARGV[6])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return {1, ver}
`)

// RedisTier is the shared L2 tier. Each entry is a hash under
// namespace+key; values above the compression threshold are stored zstd
// compressed. Transport failures are wrapped in ErrTierUnavailable.
type RedisTier struct {
	client            redis.UniversalClient
	namespace         string
	channel           string
	origin            string
	compressThreshold int
	scanBatch         int64
	now               func() time.Time
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
}

// RedisTierOption configures a RedisTier.
type RedisTierOption func(*RedisTier)

// WithRedisNamespace sets the key prefix all entries are stored under.
func WithRedisNamespace(ns string) RedisTierOption {
	return func(t *RedisTier) {
		t.namespace = ns
	}
}

// WithCompressThreshold sets the value size in bytes from which values are
// compressed. Zero or less disables compression.
func WithCompressThreshold(n int) RedisTierOption {
	return func(t *RedisTier) {
		t.compressThreshold = n
	}
}

// WithScanBatchSize sets the SCAN COUNT hint used by Invalidate.
func WithScanBatchSize(n int) RedisTierOption {
	return func(t *RedisTier) {
		if n > 0 {
			t.scanBatch = int64(n)
		}
	}
}

// WithInvalidationChannel sets the pub/sub channel invalidations are
// broadcast on.
func WithInvalidationChannel(name string) RedisTierOption {
	return func(t *RedisTier) {
		if name != "" {
			t.channel = name
		}
	}
}

// WithRedisOrigin sets the id this process stamps on broadcast invalidations.
func WithRedisOrigin(id string) RedisTierOption {
	return func(t *RedisTier) {
		if id != "" {
			t.origin = id
		}
	}
}

// WithRedisClock overrides time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisTierOption {
	return func(t *RedisTier) {
		if now != nil {
			t.now = now
		}
	}
}

// NewRedisTier creates the L2 tier over an existing client.
func NewRedisTier(client redis.UniversalClient, opts ...RedisTierOption) (*RedisTier, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	t := &RedisTier{
		client:            client,
		namespace:         "chartworker:cache:",
		channel:           "chartworker:cache:invalidations",
		origin:            strconv.FormatInt(time.Now().UnixNano(), 36),
		compressThreshold: 1024,
		scanBatch:         500,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	var err error
	if t.encoder, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if t.decoder, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return t, nil
}

// NewRedisTierFromConfig creates the L2 tier with settings from cfg.
func NewRedisTierFromConfig(cfg Config, client redis.UniversalClient, opts ...RedisTierOption) (*RedisTier, error) {
	allOpts := append([]RedisTierOption{
		WithRedisNamespace(cfg.Namespace),
		WithInvalidationChannel(cfg.InvalidationChannel),
		WithCompressThreshold(cfg.CompressThreshold),
		WithScanBatchSize(cfg.ScanBatchSize),
	}, opts...)
	return NewRedisTier(client, allOpts...)
}

func (t *RedisTier) Name() string {
	return "l2"
}

func (t *RedisTier) Get(ctx context.Context, key string) (Entry, error) {
	fields, err := t.client.HGetAll(ctx, t.namespace+key).Result()
	if err != nil {
		return Entry{}, unavailable(err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrCacheMiss
	}

	e, err := t.decode(key, fields)
	if err != nil {
		return Entry{}, err
	}
	if e.Expired(t.now()) {
		return Entry{}, ErrCacheMiss
	}
	return e, nil
}

func (t *RedisTier) Set(ctx context.Context, e Entry) (Entry, error) {
	if e.Key == "" {
		return Entry{}, ErrInvalidKey
	}
	now := t.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	var ttl, expiresMs int64
	if !e.ExpiresAt.IsZero() {
		expiresMs = e.ExpiresAt.UnixMilli()
		ttl = max(e.ExpiresAt.Sub(now).Milliseconds(), 1)
	}

	stored, compressed := e.Value, "0"
	if t.compressThreshold > 0 && len(e.Value) >= t.compressThreshold {
		stored, compressed = t.encoder.EncodeAll(e.Value, nil), "1"
	}

	res, err := setScript.Run(ctx, t.client, []string{t.namespace + e.Key},
		stored, e.Version, e.CreatedAt.UnixNano(), expiresMs, compressed, ttl).Int64Slice()
	if err != nil {
		return Entry{}, unavailable(err)
	}
	if len(res) != 2 {
		return Entry{}, fmt.Errorf("%w: unexpected script reply %v", ErrTierUnavailable, res)
	}
	if res[0] == 0 {
		return Entry{}, fmt.Errorf("%w: key %q has version %d, got %d", ErrStaleWrite, e.Key, res[1], e.Version)
	}

	e.Version = uint64(res[1])
	if expiresMs > 0 {
		e.ExpiresAt = time.UnixMilli(expiresMs)
	}
	e.TierHint = TierL2
	return e, nil
}

// Invalidate walks the keyspace with SCAN and unlinks matches batch by batch.
// Keys written while the scan runs may survive it.
func (t *RedisTier) Invalidate(ctx context.Context, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}

	var (
		removed int64
		batch   = make([]string, 0, t.scanBatch)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := t.client.Unlink(ctx, batch...).Result()
		if err != nil {
			return unavailable(err)
		}
		removed += n
		batch = batch[:0]
		return nil
	}

	iter := t.client.Scan(ctx, 0, EscapePattern(t.namespace)+pattern, t.scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= t.scanBatch {
			if err := flush(); err != nil {
				return int(removed), err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return int(removed), unavailable(err)
	}
	if err := flush(); err != nil {
		return int(removed), err
	}
	return int(removed), nil
}

// Invalidation is the message broadcast to other processes.
type Invalidation struct {
	Origin  string    `json:"origin"`
	Pattern string    `json:"pattern"`
	At      time.Time `json:"at"`
}

// PublishInvalidation broadcasts pattern so other processes drop it from L1.
func (t *RedisTier) PublishInvalidation(ctx context.Context, pattern string, at time.Time) error {
	msg, err := json.Marshal(Invalidation{Origin: t.origin, Pattern: pattern, At: at})
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel, msg).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// SubscribeInvalidations blocks delivering invalidations published by other
// processes to fn until ctx is done.
func (t *RedisTier) SubscribeInvalidations(ctx context.Context, fn func(Invalidation)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return unavailable(err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil || inv.Origin == t.origin {
				continue
			}
			fn(inv)
		}
	}
}

// Ping checks the connection.
func (t *RedisTier) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close releases the compression codecs. The client is owned by the caller.
func (t *RedisTier) Close() error {
	t.decoder.Close()
	return t.encoder.Close()
}

func (t *RedisTier) decode(key string, fields map[string]string) (Entry, error) {
	version, err := strconv.ParseUint(fields[fieldVersion], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: corrupt version for %q", ErrTierUnavailable, key)
	}
	createdNs, _ := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	expiresMs, _ := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)

	value := []byte(fields[fieldValue])
	if fields[fieldCompressed] == "1" {
		if value, err = t.decoder.DecodeAll(value, nil); err != nil {
			return Entry{}, fmt.Errorf("%w: decompress %q: %w", ErrTierUnavailable, key, err)
		}
	}

	e := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.Unix(0, createdNs),
		Version:   version,
		TierHint:  TierL2,
	}
	if expiresMs > 0 {
		e.ExpiresAt = time.UnixMilli(expiresMs)
	}
	return e, nil
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTierUnavailable, err)
}
