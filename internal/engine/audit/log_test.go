package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/pkg/batch"
)

func testCfg(t *testing.T) config.AuditConfig {
	dir := t.TempDir()
	return config.AuditConfig{
		Enabled:         true,
		Async:           false,
		BufferSize:      100,
		FlushInterval:   time.Hour,
		FilePath:        filepath.Join(dir, "audit.log"),
		MaxFileSizeMB:   10,
		MaxFiles:        3,
		MaskChar:        "*",
		AnomalyWindow:   time.Hour,
		AnomalyBucket:   time.Second,
		AnomalyMaxCount: 3,
	}
}

func TestRecord_SyncWriteAppearsOnDisk(t *testing.T) {
	cfg := testCfg(t)
	l, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer l.Close()

	l.Record(batch.AuditEvent{
		Type:     batch.EventItemProcessed,
		Severity: batch.SeverityInfo,
		Subject:  "user-1",
		Action:   "process",
		Result:   "success",
	})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "item_processed")
	assert.Contains(t, string(data), "\t")
}

func TestRecord_DisabledDoesNotWrite(t *testing.T) {
	cfg := testCfg(t)
	cfg.Enabled = false
	l, err := New(cfg, nil, nil)
	require.NoError(t, err)

	l.Record(batch.AuditEvent{Type: batch.EventItemProcessed})
	require.NoError(t, l.Close())

	_, statErr := os.Stat(cfg.FilePath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRecord_AsyncBuffersUntilFlush(t *testing.T) {
	cfg := testCfg(t)
	cfg.Async = true
	cfg.BufferSize = 100
	cfg.FlushInterval = time.Hour
	l, err := New(cfg, nil, nil)
	require.NoError(t, err)

	l.Record(batch.AuditEvent{Type: batch.EventItemProcessed, Subject: "u"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "item_processed")
}

type stubDetector struct{}

func (stubDetector) Detect(payload []byte) (bool, float64) {
	return strings.Contains(string(payload), "ssn"), 0.99
}

func TestRecord_PIIMaskingReplacesFlaggedSubject(t *testing.T) {
	cfg := testCfg(t)
	l, err := New(cfg, nil, nil, WithPIIDetector(stubDetector{}))
	require.NoError(t, err)
	defer l.Close()

	l.Record(batch.AuditEvent{Type: batch.EventItemProcessed, Subject: "ssn-123-45-6789"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "123-45-6789")
}

func TestRecord_PIIMaskingPreservesEnds(t *testing.T) {
	masked := maskString("abcdef", "*", true)
	assert.Equal(t, "a****f", masked)
}

func TestRecord_PIIMaskingFullyMasksWhenEndsNotPreserved(t *testing.T) {
	masked := maskString("abcdef", "*", false)
	assert.Equal(t, "******", masked)
}

func TestDetectAnomaly_EmitsSuspiciousActivityAfterThreshold(t *testing.T) {
	cfg := testCfg(t)
	cfg.AnomalyMaxCount = 3
	cfg.AnomalyBucket = time.Minute
	l, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		l.Record(batch.AuditEvent{Type: batch.EventRateLimitDenied, Subject: "attacker"})
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "suspicious_activity")
}

func TestDetectAnomaly_DoesNotRecurseOnItsOwnEvent(t *testing.T) {
	cfg := testCfg(t)
	cfg.AnomalyMaxCount = 1
	cfg.AnomalyBucket = time.Minute
	l, err := New(cfg, nil, nil)
	require.NoError(t, err)
	defer l.Close()

	assert.NotPanics(t, func() {
		for i := 0; i < 4; i++ {
			l.Record(batch.AuditEvent{Type: batch.EventItemFailed, Subject: "x"})
		}
	})
}

func TestEncode_ProducesCanonicalJSONAndHMACTag(t *testing.T) {
	cfg := testCfg(t)
	l, err := New(cfg, nil, nil, WithHMACKey([]byte("fixed-test-key-0123456789012345")))
	require.NoError(t, err)
	defer l.Close()

	line, err := l.encode(batch.AuditEvent{
		Type:      batch.EventItemProcessed,
		Timestamp: time.Unix(0, 0).UTC(),
		Subject:   "s",
	})
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSuffix(string(line), "\n"), "\t", 2)
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0], `"type":"item_processed"`)
	assert.Len(t, parts[1], 64) // hex-encoded sha256
}
