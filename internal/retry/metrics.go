package retry

import (
	"sort"
	"sync"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"
)

// EndpointMetric aggregates attempts against one logical endpoint.
// Metrics are observational only: they never gate behavior and are never
// persisted. Retries counts attempts beyond the first.
type EndpointMetric struct {
	Endpoint string        `json:"endpoint"`
	Calls    uint64        `json:"calls"`
	OK       uint64        `json:"ok"`
	Failed   uint64        `json:"failed"`
	Retries  uint64        `json:"retries"`
	Total    time.Duration `json:"total"`
}

// AvgMS is the mean attempt latency in milliseconds, rounded.
func (m EndpointMetric) AvgMS() int64 {
	if m.Calls == 0 {
		return 0
	}
	return (m.Total / time.Duration(m.Calls)).Milliseconds()
}

// Metrics is a mutex-guarded endpoint metric map. One instance per logical
// flow (one user fetch, one cycle); constructing a fresh set is the reset.
type Metrics struct {
	mu sync.Mutex
	m  map[string]*EndpointMetric
}

func NewMetrics() *Metrics {
	return &Metrics{m: map[string]*EndpointMetric{}}
}

func (s *Metrics) record(endpoint string, ok bool, isRetry bool, took time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.m[endpoint]
	if m == nil {
		m = &EndpointMetric{Endpoint: endpoint}
		s.m[endpoint] = m
	}
	m.Calls++
	if ok {
		m.OK++
	} else {
		m.Failed++
	}
	if isRetry {
		m.Retries++
	}
	m.Total += took
}

// Snapshot returns the metrics sorted by endpoint name.
func (s *Metrics) Snapshot() []EndpointMetric {
	s.mu.Lock()
	out := make([]EndpointMetric, 0, len(s.m))
	for _, m := range s.m {
		out = append(out, *m)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Get returns the metric for one endpoint (zero value if never hit).
func (s *Metrics) Get(endpoint string) EndpointMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.m[endpoint]; m != nil {
		return *m
	}
	return EndpointMetric{Endpoint: endpoint}
}

// LogSummary emits one structured line per endpoint. Called once per flow.
func (s *Metrics) LogSummary(log logx.Logger, flow string, fields ...logx.Field) {
	snap := s.Snapshot()
	if len(snap) == 0 {
		return
	}
	for _, m := range snap {
		f := append([]logx.Field{
			logx.String("flow", flow),
			logx.String("endpoint", m.Endpoint),
			logx.Uint64("calls", m.Calls),
			logx.Uint64("ok", m.OK),
			logx.Uint64("failed", m.Failed),
			logx.Uint64("retries", m.Retries),
			logx.Int64("avg_ms", m.AvgMS()),
		}, fields...)
		log.Info("endpoint metrics", f...)
	}
}
