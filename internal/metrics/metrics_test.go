package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/proc-connector/internal/connector"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReportEvent(connector.EventFork)
	m.ReportEvent(connector.EventFork)
	m.ReportEvent(connector.EventExit)
	m.ReportDropped(ReasonDecode)
	m.ReportOverrun()
	m.ReportForeign()

	assert.InDelta(t, 2, testutil.ToFloat64(m.eventsCounter.WithLabelValues("fork")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsCounter.WithLabelValues("exit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.droppedCounter.WithLabelValues(ReasonDecode)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.overrunCounter), 0)

	expected := `
# HELP proc_events_foreign_messages_total Connector messages for other connector protocols
# TYPE proc_events_foreign_messages_total counter
proc_events_foreign_messages_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "proc_events_foreign_messages_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ReportEvent(connector.EventExec)
		m.ReportDropped(ReasonFiltered)
		m.ReportOverrun()
		m.ReportForeign()
		m.ReportControl()
		m.ReportRequestFailure()
	})
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ReportOverrun()

	ctx, cancel := context.WithCancel(context.Background())
	addr := freeAddr(t)
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, reg, zaptest.NewLogger(t)) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, body, "proc_events_receive_overruns_total 1")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	err := Serve(context.Background(), "127.0.0.1:-1", prometheus.NewRegistry(), zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics server")
}
