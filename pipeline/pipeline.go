package pipeline

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Pipeline is the single aggregation point for extracted records.
// One goroutine drains the channel, so records keep their arrival order.
type Pipeline struct {
	recordCh chan *models.ProductRecord
	records  []*models.ProductRecord
	recMu    sync.Mutex

	wg sync.WaitGroup

	metrics metrics

	mu      sync.Mutex // guards closed/started
	closed  bool
	started bool

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline() *Pipeline {
	return &Pipeline{
		recordCh: make(chan *models.ProductRecord, 512),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches the aggregator goroutine. Calling it twice is a no-op.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.aggregate()
}

// Process enqueues a record for aggregation.
func (p *Pipeline) Process(record *models.ProductRecord) error {
	if record == nil {
		return nil
	}
	if p.isClosed() {
		return ErrPipelineClosed
	}
	return p.enqueue(record)
}

// Close stops accepting records and waits for the aggregator to drain.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.recordCh)
	})

	p.wg.Wait()
	return nil
}

// Records returns the aggregated records in arrival order.
func (p *Pipeline) Records() []*models.ProductRecord {
	p.recMu.Lock()
	defer p.recMu.Unlock()
	out := make([]*models.ProductRecord, len(p.records))
	copy(out, p.records)
	return out
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				metrics := p.GetMetrics()
				processed := metrics["processed_records"].(int64)
				anomalies := metrics["anomalies"].(map[string]int)
				slog.Info("pipeline progress",
					slog.Int64("processed", processed),
					slog.Int("anomaly_kinds", len(anomalies)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) aggregate() {
	defer p.wg.Done()

	for record := range p.recordCh {
		p.observe(record)
		p.recMu.Lock()
		p.records = append(p.records, record)
		p.recMu.Unlock()
		p.metrics.incrementProcessed()
	}
}

// observe counts defaulted fields. Such records are kept so anomalies stay visible.
func (p *Pipeline) observe(record *models.ProductRecord) {
	if record.ImageURL == Placeholder {
		p.metrics.addAnomaly("missing_image")
	}
	if record.Title == Placeholder {
		p.metrics.addAnomaly("missing_title")
	}
	if record.CurrentPrice == 0 {
		p.metrics.addAnomaly("missing_price")
	}
	if record.MetrPrice == 0 {
		p.metrics.addAnomaly("zero_metric_price")
	}
	if record.LowValFlag == models.LowValue {
		p.metrics.addAnomaly("low_value")
	}
}

func (p *Pipeline) enqueue(record *models.ProductRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.recordCh <- record:
		return nil
	}
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu        sync.Mutex
	processed int64
	anomalies map[string]int
}

func newMetrics() metrics {
	return metrics{
		anomalies: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addAnomaly(kind string) {
	m.mu.Lock()
	m.anomalies[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyAnomalies := make(map[string]int, len(m.anomalies))
	for k, v := range m.anomalies {
		copyAnomalies[k] = v
	}

	return map[string]interface{}{
		"processed_records": m.processed,
		"anomalies":         copyAnomalies,
	}
}
