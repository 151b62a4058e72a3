package repo

import (
	"context"
	"time"
)

// IncrementWindowCounter adds one hit to key for the fixed window starting
// at windowStart. A new window resets the count. It does not apply once
// the window already holds limit hits.
func (r Repo) IncrementWindowCounter(ctx context.Context, key string, windowStart time.Time, limit int) (bool, error) {
	start := toMillis(windowStart)
	return r.conditional(ctx, "increment_window_counter", `INSERT INTO rate_counters(key,window_start,count) VALUES (?,?,1)
ON CONFLICT(key) DO UPDATE SET
  count=CASE WHEN rate_counters.window_start=excluded.window_start THEN rate_counters.count+1 ELSE 1 END,
  window_start=excluded.window_start
WHERE rate_counters.window_start<>excluded.window_start OR rate_counters.count<?`,
		key, start, limit)
}

// PurgeWindowCounters drops counters whose window started before cutoff.
func (r Repo) PurgeWindowCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rate_counters WHERE window_start<?`, toMillis(cutoff))
	if err != nil {
		return 0, fatal("purge_window_counters", err)
	}
	n, err := res.RowsAffected()
	return n, fatal("purge_window_counters", err)
}
