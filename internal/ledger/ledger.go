package ledger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/optfleet/hive-gateway/internal/types"
)

const sinkWriteTimeout = 2 * time.Second

// Entry is one observed call: who paid, where it went, how it resolved.
// Entries are append-only and never mutated.
type Entry struct {
	Tenant   string
	Endpoint string
	At       time.Time
	Latency  time.Duration
	Cost     float64
	Outcome  types.Outcome
}

// Query selects entries for aggregation. Empty Tenant/Endpoint match all;
// Window bounds how far back to look (zero means the full horizon).
type Query struct {
	Tenant   string
	Endpoint string
	Window   time.Duration
}

// Aggregate is the rollup of matching entries.
type Aggregate struct {
	Count       int           `json:"count"`
	Successes   int           `json:"successes"`
	SuccessRate float64       `json:"success_rate"`
	MeanLatency time.Duration `json:"mean_latency"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	TotalCost   float64       `json:"total_cost"`
}

// Sink receives entries for durable storage, best-effort.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// shard holds one endpoint's entries under its own lock, so concurrent
// appends for unrelated endpoints never contend.
type shard struct {
	mu      sync.Mutex
	entries []Entry
}

// Ledger is the in-memory cost/performance ledger. Record never fails from
// the caller's perspective; sink errors are logged, not propagated.
type Ledger struct {
	mu      sync.RWMutex
	shards  map[string]*shard
	horizon time.Duration
	sink    Sink
}

func New(horizon time.Duration) *Ledger {
	if horizon <= 0 {
		horizon = time.Hour
	}
	return &Ledger{
		shards:  make(map[string]*shard),
		horizon: horizon,
	}
}

// AttachSink adds a durable sink. Must be called before traffic starts.
func (l *Ledger) AttachSink(s Sink) {
	l.sink = s
}

func (l *Ledger) shardFor(endpoint string) *shard {
	l.mu.RLock()
	sh, ok := l.shards[endpoint]
	l.mu.RUnlock()
	if ok {
		return sh
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sh, ok := l.shards[endpoint]; ok {
		return sh
	}
	sh = &shard{}
	l.shards[endpoint] = sh
	return sh
}

// Record appends an entry, pruning expired ones lazily. The sink write runs
// in the background so bookkeeping never delays serving the request.
func (l *Ledger) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	sh := l.shardFor(e.Endpoint)
	sh.mu.Lock()
	cutoff := time.Now().Add(-l.horizon)
	i := 0
	for i < len(sh.entries) && sh.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		sh.entries = append(sh.entries[:0], sh.entries[i:]...)
	}
	sh.entries = append(sh.entries, e)
	sh.mu.Unlock()

	if l.sink != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
			defer cancel()
			if err := l.sink.Write(ctx, e); err != nil {
				slog.Warn("ledger sink write failed",
					"endpoint", e.Endpoint,
					"tenant", e.Tenant,
					"error", err,
				)
			}
		}()
	}
}

// Query aggregates matching entries.
func (l *Ledger) Query(q Query) Aggregate {
	window := q.Window
	if window <= 0 || window > l.horizon {
		window = l.horizon
	}
	cutoff := time.Now().Add(-window)

	l.mu.RLock()
	shards := make([]*shard, 0, len(l.shards))
	for id, sh := range l.shards {
		if q.Endpoint != "" && id != q.Endpoint {
			continue
		}
		shards = append(shards, sh)
	}
	l.mu.RUnlock()

	var agg Aggregate
	var latencies []time.Duration
	var latencySum time.Duration

	for _, sh := range shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.At.Before(cutoff) {
				continue
			}
			if q.Tenant != "" && e.Tenant != q.Tenant {
				continue
			}
			agg.Count++
			agg.TotalCost += e.Cost
			if e.Outcome == types.OutcomeSuccess {
				agg.Successes++
			}
			latencies = append(latencies, e.Latency)
			latencySum += e.Latency
		}
		sh.mu.Unlock()
	}

	if agg.Count == 0 {
		return agg
	}

	agg.SuccessRate = float64(agg.Successes) / float64(agg.Count)
	agg.MeanLatency = latencySum / time.Duration(agg.Count)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	agg.P50Latency = percentile(latencies, 0.50)
	agg.P95Latency = percentile(latencies, 0.95)
	return agg
}

// P50 is a routing helper: recent median latency for an endpoint, 0 when no
// observations exist.
func (l *Ledger) P50(endpoint string, window time.Duration) time.Duration {
	return l.Query(Query{Endpoint: endpoint, Window: window}).P50Latency
}

// percentile over sorted latencies using the nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p * float64(len(sorted)))
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
