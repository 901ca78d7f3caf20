package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Event is the message published for every progress update.
type Event struct {
	ScanID    string    `json:"scan_id"`
	Processed int64     `json:"processed"`
	Total     int64     `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSReporter publishes throttled progress snapshots to
// {subject}.{scan_id}. Publish failures are logged and never interrupt the scan.
type NATSReporter struct {
	conn      *nats.Conn
	subject   string
	scanID    string
	counter   *Counter
	logger    *zap.Logger
	sometimes *rate.Sometimes
}

// NewNATSReporter creates a reporter for one scan.
func NewNATSReporter(nc *nats.Conn, subject, scanID string, interval time.Duration, logger *zap.Logger) (*NATSReporter, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if scanID == "" {
		return nil, fmt.Errorf("scan id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSReporter{
		conn:      nc,
		subject:   subject,
		scanID:    scanID,
		counter:   NewCounter(),
		logger:    logger,
		sometimes: &rate.Sometimes{Interval: interval},
	}, nil
}

// Subject returns the subject events are published on.
func (r *NATSReporter) Subject() string {
	return fmt.Sprintf("%s.%s", r.subject, r.scanID)
}

func (r *NATSReporter) Discovered(n int) {
	r.counter.Discovered(n)
	r.sometimes.Do(r.publish)
}

func (r *NATSReporter) Processed(n int) {
	r.counter.Processed(n)
	r.sometimes.Do(r.publish)
}

// Flush publishes the final counter values regardless of throttling.
func (r *NATSReporter) Flush() error {
	if err := r.send(); err != nil {
		return err
	}
	if err := r.conn.Flush(); err != nil {
		return fmt.Errorf("flush progress: %w", err)
	}
	return nil
}

func (r *NATSReporter) publish() {
	if err := r.send(); err != nil {
		r.logger.Warn("failed to publish progress", zap.String("subject", r.Subject()), zap.Error(err))
	}
}

func (r *NATSReporter) send() error {
	s := r.counter.Snapshot()
	data, err := json.Marshal(Event{
		ScanID:    r.scanID,
		Processed: s.Processed,
		Total:     s.Total,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := r.conn.Publish(r.Subject(), data); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}
