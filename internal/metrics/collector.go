package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	bolt "go.etcd.io/bbolt"
)

// MemberCounter reports the number of stored members
type MemberCounter interface {
	CountAll(ctx context.Context) (int, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// persistedCounters are restored across restarts
var persistedCounters = []string{
	"rekindle_imports_total",
	"rekindle_import_members_total",
	"rekindle_import_batches_total",
	"rekindle_ratelimit_exceeded_total",
	"rekindle_api_errors_total",
}

// CounterSample is one persisted counter series
type CounterSample struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot maps metric name to its series
type Snapshot map[string][]CounterSample

// Collector keeps system gauges current and, with a database, persists
// counters so totals survive restarts
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	members       MemberCounter
	flushInterval time.Duration
	startTime     time.Time
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector. db and members may be nil.
func NewCollector(db *bolt.DB, m *Metrics, members MemberCounter, flushInterval time.Duration, logger *slog.Logger) (*Collector, error) {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		members:       members,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		logger:        logger.With("component", "metrics_collector"),
		stopCh:        make(chan struct{}),
	}

	if db == nil {
		return c, nil
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create metrics bucket: %w", err)
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the background loops
func (c *Collector) Start(ctx context.Context) {
	c.collectSystemMetrics(ctx)

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the loops and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	system := time.NewTicker(5 * time.Second)
	defer system.Stop()
	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-system.C:
			c.collectSystemMetrics(ctx)
		case <-flush.C:
			if err := c.persistCounters(); err != nil {
				c.logger.Warn("failed to persist counters", "error", err)
			}
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.members == nil {
		return
	}
	countCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	n, err := c.members.CountAll(countCtx)
	if err != nil {
		c.logger.Debug("failed to count members", "error", err)
		return
	}
	c.metrics.MembersStored.Set(float64(n))
}

// Snapshot gathers the current values of the persisted counters
func (c *Collector) Snapshot() (Snapshot, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	wanted := make(map[string]bool, len(persistedCounters))
	for _, name := range persistedCounters {
		wanted[name] = true
	}

	snap := make(Snapshot)
	for _, mf := range families {
		if !wanted[mf.GetName()] || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			sample := CounterSample{Value: metric.GetCounter().GetValue()}
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				sample.Labels = make(map[string]string, len(pairs))
				for _, lp := range pairs {
					sample.Labels[lp.GetName()] = lp.GetValue()
				}
			}
			snap[mf.GetName()] = append(snap[mf.GetName()], sample)
		}
	}

	for name := range snap {
		samples := snap[name]
		sort.Slice(samples, func(i, j int) bool { return labelKey(samples[i].Labels) < labelKey(samples[j].Labels) })
	}

	return snap, nil
}

func (c *Collector) persistCounters() error {
	if c.db == nil {
		return nil
	}

	snap, err := c.Snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) loadCounters() error {
	var snap Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Warn("discarding unreadable persisted counters", "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for name, samples := range snap {
		for _, s := range samples {
			counter, ok := c.counterFor(name, s.Labels)
			if !ok || s.Value <= 0 {
				continue
			}
			counter.Add(s.Value)
		}
	}
	return nil
}

func (c *Collector) counterFor(name string, labels map[string]string) (prometheus.Counter, bool) {
	var vec *prometheus.CounterVec
	switch name {
	case "rekindle_imports_total":
		vec = c.metrics.ImportsTotal
	case "rekindle_import_members_total":
		vec = c.metrics.ImportMembersTotal
	case "rekindle_ratelimit_exceeded_total":
		vec = c.metrics.RateLimitExceededTotal
	case "rekindle_api_errors_total":
		vec = c.metrics.APIErrorsTotal
	case "rekindle_import_batches_total":
		return c.metrics.ImportBatchesTotal, true
	default:
		return nil, false
	}

	counter, err := vec.GetMetricWith(labels)
	if err != nil {
		return nil, false
	}
	return counter, true
}

func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		out += k + "=" + labels[k] + "|"
	}
	return out
}
