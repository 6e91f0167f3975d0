package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/carbonite/internal/controller"
	"github.com/ChuLiYu/carbonite/internal/worker"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

var (
	_ controller.Recorder = (*Collector)(nil)
	_ worker.Recorder     = (*Collector)(nil)
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollectorRegisters(t *testing.T) {
	_, reg := newTestCollector(t)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// 同一個 registry 註冊兩次會 panic
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCycleAndCandidateCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordCycle()
	c.RecordCycle()
	c.RecordCandidate(true)
	c.RecordCandidate(false)
	c.RecordCandidate(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cycles))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.candidates.WithLabelValues("found")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.candidates.WithLabelValues("empty")))
}

func TestFailureSetsBackoffGauge(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordFailure("query", 1500*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("query")))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.backoffDelay))

	c.RecordFailure("freeze_rejected", 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("freeze_rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.backoffDelay))

	c.RecordCandidate(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.backoffDelay), "a successful query clears the backoff gauge")
}

func TestFreezeCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordFreezeDispatched()
	c.RecordFreezeDispatched()
	c.RecordFreezeCompleted(types.Archived, 200*time.Millisecond)
	c.RecordFreezeCompleted(types.ArchiveFailed, time.Second)
	c.RecordUnexpectedCompletion()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.freezesDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.freezesCompleted.WithLabelValues("Archived")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.freezesCompleted.WithLabelValues("ArchiveFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.unexpectedCompletion))
	assert.Equal(t, 1, testutil.CollectAndCount(c.freezeLatency))
}

func TestSetPhase(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetPhase("awaiting_query_response")
	for _, p := range Phases {
		want := 0.0
		if p == "awaiting_query_response" {
			want = 1
		}
		assert.Equal(t, want, testutil.ToFloat64(c.phase.WithLabelValues(p)), p)
	}

	assert.Equal(t, controller.PhaseAwaitingFreezeCompletion.String(), Phases[2])
}

func TestWorkerMetrics(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordTaskError(worker.StageWrite)
	c.RecordArchiveBytes(512)
	c.RecordArchiveBytes(256)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskErrors.WithLabelValues("write")))
	assert.Equal(t, 768.0, testutil.ToFloat64(c.archiveBytes))
}

func TestServerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordCycle()

	srv := NewServer(9090, reg)
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "carbonite_cycles_total 1"))
}
