package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMarkerStream is the redis stream key that carries change markers.
	DefaultMarkerStream = "queueflow.updates"
	defaultStreamMaxLen = 1000
)

// ChangeMarkerRedisRepository appends change markers to a redis stream so
// several service instances can share one change signal.
type ChangeMarkerRedisRepository struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// NewChangeMarkerRedisRepository creates a stream-backed marker repository.
func NewChangeMarkerRedisRepository(rdb redis.Cmdable, stream string) *ChangeMarkerRedisRepository {
	if stream == "" {
		stream = DefaultMarkerStream
	}
	return &ChangeMarkerRedisRepository{rdb: rdb, stream: stream, maxLen: defaultStreamMaxLen}
}

// InsertMarker appends at to the stream, trimming it to roughly maxLen entries.
// The ts field is informational; LatestMarker reads the stream id.
func (r *ChangeMarkerRedisRepository) InsertMarker(ctx context.Context, at time.Time) error {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{"ts": at.UTC().Format(time.RFC3339Nano)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append change marker: %w", err)
	}
	return nil
}

// LatestMarker returns the instant of the newest stream entry, taken from its
// id. Stream ids come from the redis server clock and never decrease, so the
// result does not depend on the writers' clocks.
func (r *ChangeMarkerRedisRepository) LatestMarker(ctx context.Context) (time.Time, bool, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return time.Time{}, false, fmt.Errorf("failed to read change stream: %w", err)
	}
	if len(msgs) == 0 {
		return time.Time{}, false, nil
	}

	ts, err := streamIDTime(msgs[0].ID)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// streamIDTime extracts the millisecond part of a stream id like "1700000000000-3".
func streamIDTime(id string) (time.Time, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed stream id %q", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), nil
}

// PruneMarkers drops entries whose stream id is older than before.
func (r *ChangeMarkerRedisRepository) PruneMarkers(ctx context.Context, before time.Time) (int64, error) {
	minID := fmt.Sprintf("%d-0", before.UnixMilli())
	n, err := r.rdb.XTrimMinID(ctx, r.stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim change stream: %w", err)
	}
	return n, nil
}
