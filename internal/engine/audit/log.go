// Package audit implements AuditLog: an append-only, HMAC-tamper-evident
// event journal with async buffering, PII masking, rotation and anomaly
// detection.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/internal/platform/metrics"
	"github.com/turtacn/docbatch/pkg/batch"
)

// PIIDetector is the masking pass's injected capability. A nil detector
// disables masking entirely.
type PIIDetector interface {
	Detect(payload []byte) (found bool, confidence float64)
}

type record struct {
	line []byte
}

// Log is the AuditLog.
type Log struct {
	cfg      config.AuditConfig
	logger   logging.Logger
	m        *metrics.EngineMetrics
	detector PIIDetector
	hmacKey  []byte

	writer io.WriteCloser

	mu     sync.Mutex
	buffer []record

	flushStop chan struct{}
	flushDone chan struct{}

	anomalyMu sync.Mutex
	// occurrences[eventType+"\x00"+subject] holds timestamps within the
	// rolling anomaly window, oldest first.
	occurrences map[string][]time.Time
	inAnomaly   bool
}

// Option configures a Log at construction.
type Option func(*Log)

// WithPIIDetector injects a PIIDetector for the masking pass.
func WithPIIDetector(d PIIDetector) Option {
	return func(l *Log) { l.detector = d }
}

// WithHMACKey sets an explicit HMAC key instead of a randomly generated
// per-process one.
func WithHMACKey(key []byte) Option {
	return func(l *Log) { l.hmacKey = key }
}

// New constructs a Log and, for async mode, starts its background flush
// loop.
func New(cfg config.AuditConfig, logger logging.Logger, m *metrics.EngineMetrics, opts ...Option) (*Log, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaskChar == "" {
		cfg.MaskChar = "*"
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = time.Hour
	}
	if cfg.AnomalyBucket <= 0 {
		cfg.AnomalyBucket = 60 * time.Second
	}
	if cfg.AnomalyMaxCount <= 0 {
		cfg.AnomalyMaxCount = 10
	}
	if cfg.FilePath == "" {
		cfg.FilePath = "audit.log"
	}

	l := &Log{
		cfg:         cfg,
		logger:      logger.Named("audit_log"),
		m:           m,
		occurrences: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.hmacKey == nil {
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, err
		}
		l.hmacKey = key
	}

	l.writer = &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    nonZeroOr(cfg.MaxFileSizeMB, 100),
		MaxBackups: nonZeroOr(cfg.MaxFiles, 5),
		Compress:   cfg.Compress,
	}

	if cfg.Async {
		l.flushStop = make(chan struct{})
		l.flushDone = make(chan struct{})
		go l.flushLoop()
	}
	return l, nil
}

func nonZeroOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Close flushes any buffered entries and stops the background loop.
func (l *Log) Close() error {
	if l.cfg.Async {
		close(l.flushStop)
		<-l.flushDone
	}
	l.flush()
	return l.writer.Close()
}

// Record masks, serializes, tags, and appends event to the journal. In
// async mode the write is buffered; in Basic/sync mode it is written
// immediately. Anomaly detection runs on every call.
func (l *Log) Record(event batch.AuditEvent) {
	if !l.cfg.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	masked := l.maskPII(event)
	line, err := l.encode(masked)
	if err == nil {
		if l.cfg.Async {
			l.mu.Lock()
			l.buffer = append(l.buffer, record{line: line})
			full := len(l.buffer) >= l.cfg.BufferSize
			l.mu.Unlock()
			if full {
				l.flush()
			}
		} else {
			l.writeLine(line)
		}
	} else {
		l.logger.Warn("failed to encode audit event", logging.Err(err))
	}

	if l.m != nil {
		l.m.AuditEventsTotal.WithLabelValues(masked.Type.String(), masked.Severity.String()).Inc()
	}

	if masked.Type != EventSuspiciousActivityType() {
		l.detectAnomaly(masked)
	}
}

// EventSuspiciousActivityType exposes batch.EventSuspiciousActivity for
// self-recursion guarding without importing batch in call sites that
// already hold a batch.AuditEvent.
func EventSuspiciousActivityType() batch.AuditEventType { return batch.EventSuspiciousActivity }

func (l *Log) maskPII(event batch.AuditEvent) batch.AuditEvent {
	if l.detector == nil {
		return event
	}
	mask := func(s string) string {
		if s == "" {
			return s
		}
		found, _ := l.detector.Detect([]byte(s))
		if !found {
			return s
		}
		return maskString(s, l.cfg.MaskChar, l.cfg.PreserveEnds)
	}
	event.Subject = mask(event.Subject)
	event.Resource = mask(event.Resource)
	return event
}

func maskString(s, maskChar string, preserveEnds bool) string {
	if maskChar == "" {
		maskChar = "*"
	}
	runes := []rune(s)
	if !preserveEnds || len(runes) <= 2 {
		return repeatRune(maskChar, len(runes))
	}
	masked := make([]rune, len(runes))
	masked[0] = runes[0]
	masked[len(runes)-1] = runes[len(runes)-1]
	mc := []rune(maskChar)[0]
	for i := 1; i < len(runes)-1; i++ {
		masked[i] = mc
	}
	return string(masked)
}

func repeatRune(maskChar string, n int) string {
	mc := maskChar
	if mc == "" {
		mc = "*"
	}
	return strings.Repeat(string([]rune(mc)[0]), n)
}

type wireEvent struct {
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Timestamp      time.Time      `json:"timestamp"`
	Subject        string         `json:"subject"`
	Resource       string         `json:"resource"`
	Action         string         `json:"action"`
	Result         string         `json:"result"`
	ThreatLevel    string         `json:"threat_level,omitempty"`
	Flags          []string       `json:"flags,omitempty"`
	DurationMS     int64          `json:"duration_ms"`
	Classification string         `json:"classification,omitempty"`
	RetentionDays  int            `json:"retention_days,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (l *Log) encode(event batch.AuditEvent) ([]byte, error) {
	w := wireEvent{
		Type:           event.Type.String(),
		Severity:       event.Severity.String(),
		Timestamp:      event.Timestamp,
		Subject:        event.Subject,
		Resource:       event.Resource,
		Action:         event.Action,
		Result:         event.Result,
		Flags:          event.Flags,
		DurationMS:     event.Duration.Milliseconds(),
		Classification: event.Classification,
		RetentionDays:  event.RetentionDays,
		Metadata:       event.Metadata,
	}
	if event.ThreatLevel != nil {
		w.ThreatLevel = event.ThreatLevel.String()
	}

	canonical, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(canonical)
	tag := hex.EncodeToString(mac.Sum(nil))

	line := append(append(canonical, '\t'), []byte(tag)...)
	return append(line, '\n'), nil
}

func (l *Log) writeLine(line []byte) {
	if _, err := l.writer.Write(line); err != nil {
		l.logger.Error("audit log write failed", logging.Err(err))
	}
}

func (l *Log) flushLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.flushStop:
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *Log) flush() {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	start := time.Now()
	for _, r := range pending {
		l.writeLine(r.line)
	}
	if l.m != nil {
		l.m.AuditFlushDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
}

// detectAnomaly maintains a rolling anomaly_window of occurrences per
// (event_type, subject) and emits a SuspiciousActivity event when more
// than anomaly_max_count occurrences fall within any anomaly_bucket
// sub-window. Guarded against recursively flagging its own emission.
func (l *Log) detectAnomaly(event batch.AuditEvent) {
	key := event.Type.String() + "\x00" + event.Subject
	now := event.Timestamp

	l.anomalyMu.Lock()
	times := append(l.occurrences[key], now)
	cutoff := now.Add(-l.cfg.AnomalyWindow)
	trimmed := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	l.occurrences[key] = trimmed

	bucketCutoff := now.Add(-l.cfg.AnomalyBucket)
	count := 0
	for _, t := range trimmed {
		if t.After(bucketCutoff) {
			count++
		}
	}
	l.anomalyMu.Unlock()

	if count > l.cfg.AnomalyMaxCount {
		if l.m != nil {
			l.m.AuditAnomaliesTotal.WithLabelValues(event.Type.String()).Inc()
		}
		l.Record(batch.AuditEvent{
			Type:      batch.EventSuspiciousActivity,
			Severity:  batch.SeverityCritical,
			Timestamp: now,
			Subject:   event.Subject,
			Resource:  event.Resource,
			Action:    "anomaly_detected",
			Result:    "flagged",
			Metadata: map[string]any{
				"triggering_event_type": event.Type.String(),
				"occurrences_in_bucket": count,
			},
		})
	}
}
