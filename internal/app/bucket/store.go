// Package bucket keeps the per-(offer, geo) pools of pre-traced suffixes in
// Redis and hands them out at most once.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/PowerSuffix/internal/app/model"
	"github.com/sifan077/PowerSuffix/internal/infra/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultLowStockThreshold = 5
	defaultSignalCooldown    = 30 * time.Second
)

var (
	// ErrLowStock is returned by Allocate when the pool has no unused record.
	// Callers treat it as a signal and fall back to a suffix-less redirect.
	ErrLowStock = errors.New("bucket: low stock")
	// ErrInvalidRecord rejects a record missing its offer, geo or value.
	ErrInvalidRecord = errors.New("bucket: invalid record")
	// ErrRecordNotFound is returned by Mark for an unknown id.
	ErrRecordNotFound = errors.New("bucket: record not found")
	// ErrInvalidTransition rejects a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("bucket: invalid status transition")
)

// Store is the suffix pool contract the filler and the HTTP layer depend on.
type Store interface {
	Allocate(ctx context.Context, offerID, geo string) (*model.SuffixRecord, error)
	Insert(ctx context.Context, records []model.SuffixRecord) (InsertResult, error)
	Stats(ctx context.Context, offerID string) ([]model.BucketStats, error)
	Clear(ctx context.Context, offerID, geo string) (int, error)
	Available(ctx context.Context, offerID, geo string) (int, error)
	Mark(ctx context.Context, id string, status model.SuffixStatus) error
	Prune(ctx context.Context, before time.Time) (int, error)
}

// InsertResult reports what Insert did with a batch.
type InsertResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// ThresholdFunc resolves the low-stock threshold of an offer.
type ThresholdFunc func(offerID string) int

// Config wires a RedisStore.
type Config struct {
	Prefix         string
	Threshold      ThresholdFunc
	Notifier       Notifier
	Dedupe         *Deduper
	SignalCooldown time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// RedisStore implements Store. Layout under the prefix:
//
//	rec:{id}                  hash  offer, geo, value, status, created_at, used_at, data
//	bkt:{offer}:{geo}:ids     set   every record id of the pool
//	bkt:{offer}:{geo}:avail   list  unused ids in insertion order
//	off:{offer}:geos          set   geos with a pool
//	val:{offer}               set   suffix values already stored
//	offers                    set   offers with at least one pool
//	sig:{offer}:{geo}         string low-stock signal cooldown marker
type RedisStore struct {
	client    *redis.Client
	prefix    string
	threshold ThresholdFunc
	notifier  Notifier
	dedupe    *Deduper
	cooldown  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRedisStore builds a RedisStore.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    cfg.Prefix,
		threshold: cfg.Threshold,
		notifier:  cfg.Notifier,
		dedupe:    cfg.Dedupe,
		cooldown:  cfg.SignalCooldown,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.prefix == "" {
		s.prefix = "sfx"
	}
	if s.threshold == nil {
		s.threshold = func(string) int { return DefaultLowStockThreshold }
	}
	if s.cooldown <= 0 {
		s.cooldown = defaultSignalCooldown
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *RedisStore) recPrefix() string { return s.prefix + ":rec:" }
func (s *RedisStore) recKey(id string) string {
	return s.recPrefix() + id
}
func (s *RedisStore) idsKey(offer, geo string) string {
	return fmt.Sprintf("%s:bkt:%s:%s:ids", s.prefix, offer, geo)
}
func (s *RedisStore) availKey(offer, geo string) string {
	return fmt.Sprintf("%s:bkt:%s:%s:avail", s.prefix, offer, geo)
}
func (s *RedisStore) geosKey(offer string) string { return s.prefix + ":off:" + offer + ":geos" }
func (s *RedisStore) valuesKey(offer string) string {
	return s.prefix + ":val:" + offer
}
func (s *RedisStore) offersKey() string { return s.prefix + ":offers" }
func (s *RedisStore) signalKey(offer, geo string) string {
	return fmt.Sprintf("%s:sig:%s:%s", s.prefix, offer, geo)
}

// allocateScript pops ids until one is still unused and flips it to used in
// the same script, so two callers can never claim the same record.
var allocateScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
while id do
	local rk = ARGV[1] .. id
	if redis.call('HGET', rk, 'status') == 'unused' then
		redis.call('HSET', rk, 'status', 'used', 'used_at', ARGV[2])
		return {id, redis.call('HGET', rk, 'data'), redis.call('LLEN', KEYS[1])}
	end
	id = redis.call('LPOP', KEYS[1])
end
return false
`)

// insertScript never touches an existing record and refuses values the
// offer already holds. Returns 1 inserted, 0 id exists, -1 duplicate value.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('SADD', KEYS[4], ARGV[2]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1],
	'offer', ARGV[5], 'geo', ARGV[6], 'value', ARGV[2],
	'status', ARGV[3], 'created_at', ARGV[4], 'data', ARGV[7])
if ARGV[8] ~= '' then
	redis.call('HSET', KEYS[1], 'used_at', ARGV[8])
end
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[3] == 'unused' then
	redis.call('RPUSH', KEYS[3], ARGV[1])
end
redis.call('SADD', KEYS[5], ARGV[6])
redis.call('SADD', KEYS[6], ARGV[5])
return 1
`)

// markScript moves a record to zero_click or invalid. Returns 1 changed,
// 0 unchanged, -1 missing, -2 forbidden.
var markScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur == ARGV[1] then
	return 0
end
if ARGV[1] == 'zero_click' and cur ~= 'used' then
	return -2
end
if ARGV[1] == 'invalid' and cur == 'unused' then
	local offer = redis.call('HGET', KEYS[1], 'offer')
	local geo = redis.call('HGET', KEYS[1], 'geo')
	redis.call('LREM', ARGV[3] .. 'bkt:' .. offer .. ':' .. geo .. ':avail', 0, ARGV[2])
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// Allocate claims the oldest unused record of the (offer, geo) pool.
func (s *RedisStore) Allocate(ctx context.Context, offerID, geo string) (*model.SuffixRecord, error) {
	now := s.now().UTC()
	res, err := allocateScript.Run(ctx, s.client,
		[]string{s.availKey(offerID, geo)},
		s.recPrefix(), now.UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		prometheus.Allocations.WithLabelValues("low_stock").Inc()
		s.signal(ctx, offerID, geo, 0)
		return nil, ErrLowStock
	}
	if err != nil {
		prometheus.Allocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("allocate suffix: %w", err)
	}
	if len(res) != 3 {
		prometheus.Allocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("allocate suffix: unexpected script reply %v", res)
	}

	id, _ := res[0].(string)
	data, _ := res[1].(string)
	remaining, _ := res[2].(int64)

	var rec model.SuffixRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		s.logger.Error("decode allocated suffix", zap.String("id", id), zap.Error(err))
		prometheus.Allocations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode suffix %s: %w", id, err)
	}
	rec.ID = id
	rec.Status = model.SuffixUsed
	rec.UsedAt = &now

	prometheus.Allocations.WithLabelValues("ok").Inc()
	if int(remaining) < s.threshold(offerID) {
		s.signal(ctx, offerID, geo, int(remaining))
	}
	return &rec, nil
}

// signal raises a low-stock notification at most once per cooldown per pool.
// It never blocks on the filler.
func (s *RedisStore) signal(ctx context.Context, offerID, geo string, available int) {
	if s.notifier == nil {
		return
	}
	ok, err := s.client.SetNX(ctx, s.signalKey(offerID, geo), available, s.cooldown).Result()
	if err != nil {
		s.logger.Warn("low-stock cooldown check failed", zap.String("offer_id", offerID), zap.String("geo", geo), zap.Error(err))
	} else if !ok {
		prometheus.LowStockSignals.WithLabelValues("suppressed").Inc()
		return
	}

	sig := model.LowStockSignal{OfferID: offerID, TargetGeo: geo, Available: available, RaisedAt: s.now().UTC()}
	if err := s.notifier.NotifyLowStock(ctx, sig); err != nil {
		prometheus.LowStockSignals.WithLabelValues("dropped").Inc()
		s.logger.Warn("low-stock signal not delivered",
			zap.String("offer_id", offerID), zap.String("geo", geo), zap.Int("available", available), zap.Error(err))
		return
	}
	prometheus.LowStockSignals.WithLabelValues("sent").Inc()
}

// Insert stores new records. Existing ids are left untouched and values the
// offer already holds are counted as duplicates.
func (s *RedisStore) Insert(ctx context.Context, records []model.SuffixRecord) (InsertResult, error) {
	var out InsertResult
	for i := range records {
		rec := records[i]
		if rec.OfferID == "" || rec.TargetGeo == "" || rec.SuffixValue == "" {
			return out, fmt.Errorf("%w: offer, geo and value are required", ErrInvalidRecord)
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.Status == "" {
			rec.Status = model.SuffixUnused
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now().UTC()
		}
		if rec.SourceMode == "" {
			rec.SourceMode = model.SourceSingleGeo
			if len(model.SplitGeoCombo(rec.TargetGeo)) > 1 {
				rec.SourceMode = model.SourceMultiGeo
			}
		}

		if s.dedupe != nil && s.dedupe.MaybeSeen(rec.OfferID, rec.SuffixValue) {
			seen, err := s.client.SIsMember(ctx, s.valuesKey(rec.OfferID), rec.SuffixValue).Result()
			if err != nil {
				return out, fmt.Errorf("check duplicate suffix: %w", err)
			}
			if seen {
				out.Duplicates++
				continue
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return out, fmt.Errorf("encode suffix: %w", err)
		}
		usedAt := ""
		if rec.UsedAt != nil {
			usedAt = strconv.FormatInt(rec.UsedAt.UnixMilli(), 10)
		}

		n, err := insertScript.Run(ctx, s.client,
			[]string{
				s.recKey(rec.ID),
				s.idsKey(rec.OfferID, rec.TargetGeo),
				s.availKey(rec.OfferID, rec.TargetGeo),
				s.valuesKey(rec.OfferID),
				s.geosKey(rec.OfferID),
				s.offersKey(),
			},
			rec.ID, rec.SuffixValue, string(rec.Status), rec.CreatedAt.UnixMilli(),
			rec.OfferID, rec.TargetGeo, string(data), usedAt,
		).Int()
		if err != nil {
			return out, fmt.Errorf("insert suffix: %w", err)
		}
		switch n {
		case 1:
			out.Inserted++
			if s.dedupe != nil {
				s.dedupe.Add(rec.OfferID, rec.SuffixValue)
			}
		case -1:
			out.Duplicates++
		}
	}
	return out, nil
}

// Available returns the number of unused records in one pool.
func (s *RedisStore) Available(ctx context.Context, offerID, geo string) (int, error) {
	n, err := s.client.LLen(ctx, s.availKey(offerID, geo)).Result()
	if err != nil {
		return 0, fmt.Errorf("count available: %w", err)
	}
	return int(n), nil
}

// Stats derives per-geo inventory from record statuses.
func (s *RedisStore) Stats(ctx context.Context, offerID string) ([]model.BucketStats, error) {
	geos, err := s.client.SMembers(ctx, s.geosKey(offerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list geos: %w", err)
	}
	sort.Strings(geos)

	threshold := s.threshold(offerID)
	out := make([]model.BucketStats, 0, len(geos))
	for _, geo := range geos {
		ids, err := s.client.SMembers(ctx, s.idsKey(offerID, geo)).Result()
		if err != nil {
			return nil, fmt.Errorf("list pool %s: %w", geo, err)
		}

		cmds := make([]*redis.StringCmd, len(ids))
		if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = p.HGet(ctx, s.recKey(id), "status")
			}
			return nil
		}); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read pool %s: %w", geo, err)
		}

		st := model.BucketStats{BucketKey: model.BucketKey{OfferID: offerID, TargetGeo: geo}}
		for _, cmd := range cmds {
			status, err := cmd.Result()
			if err != nil {
				continue
			}
			st.Total++
			switch model.SuffixStatus(status) {
			case model.SuffixUnused:
				st.Available++
			case model.SuffixUsed:
				st.Used++
			case model.SuffixZeroClick:
				st.ZeroClick++
			case model.SuffixInvalid:
				st.Invalid++
			}
		}
		st.Low = st.Available < threshold
		out = append(out, st)
	}
	return out, nil
}

// Mark moves a record to zero_click (from used) or invalid (from any state).
func (s *RedisStore) Mark(ctx context.Context, id string, status model.SuffixStatus) error {
	if status != model.SuffixZeroClick && status != model.SuffixInvalid {
		return fmt.Errorf("%w: cannot mark %s", ErrInvalidTransition, status)
	}
	n, err := markScript.Run(ctx, s.client, []string{s.recKey(id)}, string(status), id, s.prefix+":").Int()
	if err != nil {
		return fmt.Errorf("mark suffix: %w", err)
	}
	switch n {
	case -1:
		return ErrRecordNotFound
	case -2:
		return fmt.Errorf("%w: %s requires a used record", ErrInvalidTransition, status)
	}
	return nil
}

// Clear deletes every record of one pool, or of every pool of the offer when
// geo is empty. It is irreversible; confirmation belongs to the caller.
func (s *RedisStore) Clear(ctx context.Context, offerID, geo string) (int, error) {
	geos := []string{geo}
	if geo == "" {
		var err error
		geos, err = s.client.SMembers(ctx, s.geosKey(offerID)).Result()
		if err != nil {
			return 0, fmt.Errorf("list geos: %w", err)
		}
	}

	removed := 0
	for _, g := range geos {
		n, err := s.clearPool(ctx, offerID, g)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if geo == "" {
		if err := s.client.Del(ctx, s.geosKey(offerID), s.valuesKey(offerID)).Err(); err != nil {
			return removed, fmt.Errorf("clear offer keys: %w", err)
		}
		if err := s.client.SRem(ctx, s.offersKey(), offerID).Err(); err != nil {
			return removed, fmt.Errorf("clear offer keys: %w", err)
		}
	}

	s.logger.Warn("suffix pool cleared",
		zap.String("offer_id", offerID),
		zap.String("geo", geo),
		zap.Int("records_removed", removed),
	)
	return removed, nil
}

func (s *RedisStore) clearPool(ctx context.Context, offerID, geo string) (int, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(offerID, geo)).Result()
	if err != nil {
		return 0, fmt.Errorf("list pool %s: %w", geo, err)
	}

	values := make([]*redis.StringCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			values[i] = p.HGet(ctx, s.recKey(id), "value")
		}
		return nil
	}); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read pool %s: %w", geo, err)
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			p.Del(ctx, s.recKey(id))
			if v, err := values[i].Result(); err == nil {
				p.SRem(ctx, s.valuesKey(offerID), v)
			}
		}
		p.Del(ctx, s.idsKey(offerID, geo), s.availKey(offerID, geo), s.signalKey(offerID, geo))
		p.SRem(ctx, s.geosKey(offerID), geo)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("clear pool %s: %w", geo, err)
	}
	return len(ids), nil
}

// Prune deletes consumed records (used, zero_click, invalid) whose last
// change is older than before. Unused stock is never pruned.
func (s *RedisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	offers, err := s.client.SMembers(ctx, s.offersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list offers: %w", err)
	}

	cutoff := before.UnixMilli()
	pruned := 0
	for _, offer := range offers {
		geos, err := s.client.SMembers(ctx, s.geosKey(offer)).Result()
		if err != nil {
			return pruned, fmt.Errorf("list geos: %w", err)
		}
		for _, geo := range geos {
			n, err := s.prunePool(ctx, offer, geo, cutoff)
			pruned += n
			if err != nil {
				return pruned, err
			}
		}
	}
	return pruned, nil
}

func (s *RedisStore) prunePool(ctx context.Context, offer, geo string, cutoff int64) (int, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(offer, geo)).Result()
	if err != nil {
		return 0, fmt.Errorf("list pool %s: %w", geo, err)
	}

	fields := make([]*redis.SliceCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			fields[i] = p.HMGet(ctx, s.recKey(id), "status", "created_at", "used_at", "value")
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("read pool %s: %w", geo, err)
	}

	var stale []string
	var values []any
	for i, cmd := range fields {
		vals := cmd.Val()
		if len(vals) != 4 || vals[0] == nil {
			// Dangling id without a record.
			stale = append(stale, ids[i])
			continue
		}
		if vals[0] == string(model.SuffixUnused) {
			continue
		}
		ts := millis(vals[2])
		if ts == 0 {
			ts = millis(vals[1])
		}
		if ts < cutoff {
			stale = append(stale, ids[i])
			if v, ok := vals[3].(string); ok {
				values = append(values, v)
			}
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		members := make([]any, len(stale))
		for i, id := range stale {
			p.Del(ctx, s.recKey(id))
			members[i] = id
		}
		p.SRem(ctx, s.idsKey(offer, geo), members...)
		if len(values) > 0 {
			p.SRem(ctx, s.valuesKey(offer), values...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune pool %s: %w", geo, err)
	}
	return len(stale), nil
}

func millis(v any) int64 {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

var _ Store = (*RedisStore)(nil)
