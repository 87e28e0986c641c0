// Package redis implements the remote variant of storage.Store on top of
// github.com/redis/go-redis/v9. Keys are prefixed, entries are serialized
// to a small JSON envelope, and execute_atomic/compare_and_swap are built
// on redis's optimistic WATCH transactions (execute_atomic with bounded,
// jittered retry; compare_and_swap as a single attempt) —
// the same EVALSHA-for-atomicity idea the pack's manenim-gateway-rate-limiter
// uses for its own token-bucket script, generalized here to a read/compute/
// commit loop so any algorithm's AtomicOp can ride on it.
package redis

import (
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ratelimitcore/errs"
	"ratelimitcore/storage"
)

//go:embed window_incr.lua
var windowIncrScript string

// Config configures the remote Store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// PoolSize and MinIdleConns bound the connection pool.
	PoolSize     int
	MinIdleConns int
	// PoolTimeout is the pool's connection-acquire timeout.
	PoolTimeout time.Duration

	// Prefix is prepended to every logical key. Default "rl:".
	Prefix string

	// MaxRetries bounds execute_atomic's optimistic-transaction retries.
	MaxRetries int
	// BackoffBase and BackoffCap bound the exponential backoff between
	// retries; actual sleep is jittered by ±25%.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "rl:"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Millisecond
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = 20 * time.Millisecond
	}
	return c
}

// Store is the remote Storage implementation.
type Store struct {
	client *redis.Client
	owned  bool
	cfg    Config

	incrSHA string
}

// New constructs a Store that owns (and will Close) its own pooled client.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		PoolTimeout:  cfg.PoolTimeout,
	})
	return &Store{client: client, owned: true, cfg: cfg}
}

// NewWithClient wraps an already-constructed client (for tests, or a
// client shared with the rest of an application). The Store never closes it.
func NewWithClient(client *redis.Client, cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{client: client, owned: false, cfg: cfg}
}

// Close releases the pooled client if this Store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Ping verifies the remote store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.New(errs.Unavailable, "redis.Ping", err)
	}
	return nil
}

func (s *Store) prefixed(key string) string { return s.cfg.Prefix + key }

type wireEntry struct {
	V   int    `json:"v"`
	P   string `json:"p"`
	CA  int64  `json:"ca"`
	UA  int64  `json:"ua"`
	TTL int64  `json:"ttl"`
}

func encodeEntry(e *storage.Entry) (string, error) {
	w := wireEntry{
		V:   e.Version,
		P:   base64.StdEncoding.EncodeToString(e.Payload),
		CA:  e.CreatedAt.UnixNano(),
		UA:  e.UpdatedAt.UnixNano(),
		TTL: int64(e.TTLHint),
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEntry(raw string) (*storage.Entry, error) {
	var w wireEntry
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	payload, err := base64.StdEncoding.DecodeString(w.P)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{
		Version:   w.V,
		Payload:   payload,
		CreatedAt: time.Unix(0, w.CA),
		UpdatedAt: time.Unix(0, w.UA),
		TTLHint:   time.Duration(w.TTL),
	}, nil
}

// Get returns the entry for key, or nil if absent. A corrupt (undecodable)
// entry is auto-remediated per spec: delete the key and report absence
// rather than surfacing StorageCorrupt to the caller.
func (s *Store) Get(ctx context.Context, key string) (*storage.Entry, error) {
	raw, err := s.client.Get(ctx, s.prefixed(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, classifyErr("redis.Get", err)
	}
	entry, err := decodeEntry(raw)
	if err != nil {
		s.cfg.Logger.Warn().Str("key", key).Err(err).Msg("corrupt entry, deleting")
		_ = s.client.Del(ctx, s.prefixed(key)).Err()
		return nil, nil
	}
	return entry, nil
}

// Set performs an unconditional write with the given TTL.
func (s *Store) Set(ctx context.Context, key string, entry *storage.Entry, ttl time.Duration) error {
	raw, err := encodeEntry(entry)
	if err != nil {
		return errs.New(errs.Internal, "redis.Set", err)
	}
	if err := s.client.Set(ctx, s.prefixed(key), raw, ttl).Err(); err != nil {
		return classifyErr("redis.Set", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixed(key)).Err(); err != nil {
		return classifyErr("redis.Delete", err)
	}
	return nil
}

// Increment maps to a Lua script performing the native atomic counter with
// conditional window reset server-side.
func (s *Store) Increment(ctx context.Context, key string, delta int64, windowStart int64, ttl time.Duration) (int64, error) {
	if s.incrSHA == "" {
		sha, err := s.client.ScriptLoad(ctx, windowIncrScript).Result()
		if err != nil {
			return 0, classifyErr("redis.Increment.load", err)
		}
		s.incrSHA = sha
	}

	res, err := s.client.EvalSha(ctx, s.incrSHA, []string{s.prefixed(key)}, delta, windowStart, ttl.Milliseconds()).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		sha, loadErr := s.client.ScriptLoad(ctx, windowIncrScript).Result()
		if loadErr != nil {
			return 0, classifyErr("redis.Increment.reload", loadErr)
		}
		s.incrSHA = sha
		res, err = s.client.EvalSha(ctx, s.incrSHA, []string{s.prefixed(key)}, delta, windowStart, ttl.Milliseconds()).Result()
	}
	if err != nil {
		return 0, classifyErr("redis.Increment", err)
	}

	count, ok := res.(int64)
	if !ok {
		return 0, errs.New(errs.Internal, "redis.Increment", errUnexpectedScriptResult)
	}
	return count, nil
}

// CompareAndSwap writes next iff the current entry equals expected, using a
// single watched transaction (no retry: a conflicting writer simply loses
// the CAS, matching the contract's "succeeds iff equal" semantics).
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next *storage.Entry, ttl time.Duration) (bool, error) {
	rkey := s.prefixed(key)
	swapped := false

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rkey).Result()
		var current *storage.Entry
		switch {
		case err == redis.Nil:
			current = nil
		case err != nil:
			return err
		default:
			current, err = decodeEntry(raw)
			if err != nil {
				current = nil
			}
		}

		if !current.Equal(expected) {
			return nil
		}

		encoded, err := encodeEntry(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}

	err := s.client.Watch(ctx, txf, rkey)
	if err != nil {
		return false, classifyErr("redis.CompareAndSwap", err)
	}
	return swapped, nil
}

// ExecuteAtomic runs op against a watched snapshot of key and commits the
// result transactionally, retrying on optimistic-lock conflicts up to
// cfg.MaxRetries times with jittered exponential backoff.
func (s *Store) ExecuteAtomic(ctx context.Context, key string, ttl time.Duration, op storage.AtomicOp) (any, error) {
	rkey := s.prefixed(key)

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		var result any
		var opErr error

		txf := func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, rkey).Result()
			var current *storage.Entry
			switch {
			case err == redis.Nil:
				current = nil
			case err != nil:
				return err
			default:
				current, err = decodeEntry(raw)
				if err != nil {
					current = nil
				}
			}

			next, res, err := op(current)
			if err != nil {
				opErr = err
				return err
			}
			result = res

			now := time.Now()
			if next.CreatedAt.IsZero() {
				if current != nil {
					next.CreatedAt = current.CreatedAt
				} else {
					next.CreatedAt = now
				}
			}
			next.UpdatedAt = now
			next.TTLHint = ttl

			encoded, err := encodeEntry(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rkey, encoded, ttl)
				return nil
			})
			return err
		}

		err := s.client.Watch(ctx, txf, rkey)
		if opErr != nil {
			return nil, opErr
		}
		if err == nil {
			return result, nil
		}
		if err != redis.TxFailedErr {
			return nil, classifyErr("redis.ExecuteAtomic", err)
		}

		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Timeout, "redis.ExecuteAtomic", ctx.Err())
		case <-time.After(backoff(attempt, s.cfg.BackoffBase, s.cfg.BackoffCap)):
		}
	}

	return nil, errs.New(errs.Contended, "redis.ExecuteAtomic", errRetriesExhausted)
}

func backoff(attempt int, base, capDuration time.Duration) time.Duration {
	d := base << attempt
	if d > capDuration || d <= 0 {
		d = capDuration
	}
	jitter := float64(d) * 0.25
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) + delta)
}

func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case redis.TxFailedErr:
		return errs.New(errs.Contended, op, err)
	}
	if strings.Contains(err.Error(), "i/o timeout") || strings.Contains(err.Error(), "context deadline exceeded") {
		return errs.New(errs.Timeout, op, err)
	}
	return errs.New(errs.Unavailable, op, err)
}

var (
	errUnexpectedScriptResult = strErr("unexpected window_incr.lua result type")
	errRetriesExhausted       = strErr("execute_atomic retries exhausted")
)

type strErr string

func (e strErr) Error() string { return string(e) }
