package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/docbatch/internal/config"
)

type stubDoc struct {
	id      string
	payload []byte
}

func (d stubDoc) ID() string                    { return d.id }
func (d stubDoc) Payload() []byte               { return d.payload }
func (d stubDoc) Attributes() map[string]string { return nil }

func docs(n int) []Document {
	out := make([]Document, n)
	for i := 0; i < n; i++ {
		out[i] = stubDoc{id: fmt.Sprintf("doc-%d", i), payload: []byte("ordinary content")}
	}
	return out
}

func basicConfig() config.Config {
	return config.Config{ExecutionMode: "basic", SecurityProfile: config.ProfileBasic}
}

func TestNew_BasicModeOmitsSecurityComponents(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	status := o.SecurityStatus()
	assert.False(t, status["validator"])
	assert.False(t, status["rate_limiter"])
	assert.False(t, status["resource_guard"])
	assert.False(t, status["audit_log"])
}

func TestNew_SecureModeWiresSecurityComponents(t *testing.T) {
	cfg := config.Config{
		ExecutionMode:   "secure",
		SecurityProfile: config.ProfileStandard,
		Audit:           config.AuditConfig{FilePath: filepath.Join(t.TempDir(), "audit.log")},
	}
	o, err := New(cfg)
	require.NoError(t, err)
	defer o.Cleanup()

	status := o.SecurityStatus()
	assert.True(t, status["validator"])
	assert.True(t, status["rate_limiter"])
	assert.True(t, status["resource_guard"])
	assert.True(t, status["audit_log"])
}

func TestProcessBatch_RunsRegisteredHandlerOverAllDocuments(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	require.NoError(t, o.RegisterOperation(OperationGenerate, func(ctx context.Context, d Document, params map[string]any) (any, error) {
		return "ok:" + d.ID(), nil
	}, false))

	res, err := o.ProcessBatch(context.Background(), "op1", docs(5), OperationGenerate, nil, SecurityContext{UserID: "alice"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 0, res.Failed)
}

func TestProcessBatch_UnregisteredOperationReturnsError(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	_, err = o.ProcessBatch(context.Background(), "op2", docs(1), OperationAnalyze, nil, SecurityContext{}, 1)
	assert.Error(t, err)
}

func TestRegisterOperation_RefusesOverwriteWithoutOverride(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	noop := func(ctx context.Context, d Document, params map[string]any) (any, error) { return nil, nil }
	require.NoError(t, o.RegisterOperation(OperationGenerate, noop, false))
	assert.Error(t, o.RegisterOperation(OperationGenerate, noop, false))
	assert.NoError(t, o.RegisterOperation(OperationGenerate, noop, true))
}

func TestProcessStream_EmitsOneResultPerDocument(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	require.NoError(t, o.RegisterOperation(OperationGenerate, func(ctx context.Context, d Document, params map[string]any) (any, error) {
		return "ok", nil
	}, false))

	in := make(chan Document, 3)
	for _, d := range docs(3) {
		in <- d
	}
	close(in)

	out := o.ProcessStream(context.Background(), "stream1", in, OperationGenerate, nil, SecurityContext{UserID: "bob"})

	count := 0
	deadline := time.After(5 * time.Second)
	for count < 3 {
		select {
		case _, ok := <-out:
			if !ok {
				t.Fatalf("stream closed early after %d results", count)
			}
			count++
		case <-deadline:
			t.Fatal("timed out waiting for stream results")
		}
	}
}

func TestMetrics_ReportsModeAndQueueState(t *testing.T) {
	o, err := New(basicConfig())
	require.NoError(t, err)
	defer o.Cleanup()

	m := o.Metrics()
	assert.Equal(t, "basic", m["execution_mode"])
	assert.Contains(t, m, "memory_tier")
	assert.Contains(t, m, "queue_size")
}
