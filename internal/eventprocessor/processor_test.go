package eventprocessor

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/metrics"
	"github.com/mrzor/proc-connector/internal/procmeta"
)

type recordingHandler struct {
	events []connector.ProcEvent
	err    error
}

func (h *recordingHandler) HandleEvent(ev connector.ProcEvent) error {
	h.events = append(h.events, ev)
	return h.err
}

func procMessage(ev connector.Event) connector.Message {
	return connector.Message{
		Header:  connector.Header{Idx: connector.IdxProc, Val: connector.ValProc},
		Payload: connector.ProcEvent{CPU: 1, Timestamp: 10, Event: ev},
	}
}

var (
	fork = procMessage(connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 50, ChildTGID: 50})
	exec = procMessage(connector.Exec{PID: 50, TGID: 50})
	exit = procMessage(connector.Exit{ProcessPID: 50, ProcessTGID: 50, ExitCode: 256})
)

func newTestProcessor(t *testing.T, handler EventHandler, opts ...Option) (*Processor, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	opts = append(opts, WithMetrics(metrics.New(reg)), WithLogger(zaptest.NewLogger(t)))
	return NewProcessor(handler, opts...), reg
}

func TestProcessor_PassesEvents(t *testing.T) {
	handler := &recordingHandler{}
	p, reg := newTestProcessor(t, handler)

	for _, msg := range []connector.Message{fork, exec, exit} {
		require.NoError(t, p.HandleMessage(msg))
	}

	require.Len(t, handler.events, 3)
	assert.Equal(t, connector.EventExec, handler.events[1].Event.Kind())

	expected := `
# HELP proc_events_events_total Process events decoded from the connector, by kind
# TYPE proc_events_events_total counter
proc_events_events_total{kind="exec"} 1
proc_events_events_total{kind="exit"} 1
proc_events_events_total{kind="fork"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "proc_events_events_total"))
}

func TestProcessor_KindMask(t *testing.T) {
	handler := &recordingHandler{}
	p, reg := newTestProcessor(t, handler, WithKinds(connector.EventExit))

	require.NoError(t, p.HandleMessage(fork))
	require.NoError(t, p.HandleMessage(exit))

	require.Len(t, handler.events, 1)
	assert.Equal(t, connector.EventExit, handler.events[0].Event.Kind())

	expected := `
# HELP proc_events_dropped_total Datagrams or events dropped before reaching the output, by reason
# TYPE proc_events_dropped_total counter
proc_events_dropped_total{reason="kind"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "proc_events_dropped_total"))
}

func TestProcessor_Filter(t *testing.T) {
	filter, err := attributes.NewFilter(`kind == "exit" && exit_code != 0`)
	require.NoError(t, err)

	handler := &recordingHandler{}
	p, _ := newTestProcessor(t, handler, WithFilter(filter))

	for _, msg := range []connector.Message{fork, exec, exit} {
		require.NoError(t, p.HandleMessage(msg))
	}

	require.Len(t, handler.events, 1)
	assert.Equal(t, exit.Payload, handler.events[0])
}

func TestProcessor_ControlAndForeign(t *testing.T) {
	handler := &recordingHandler{}
	p, reg := newTestProcessor(t, handler)

	listen, err := connector.NewControlMessage(connector.McastListen)
	require.NoError(t, err)
	foreign := connector.Message{Header: connector.Header{Idx: 0x7, Val: 0x1}, Payload: connector.Other{}}

	require.NoError(t, p.HandleMessage(listen))
	require.NoError(t, p.HandleMessage(foreign))
	assert.Empty(t, handler.events)

	expected := `
# HELP proc_events_control_messages_total Listen and ignore messages seen on the socket
# TYPE proc_events_control_messages_total counter
proc_events_control_messages_total 1
# HELP proc_events_foreign_messages_total Connector messages for other connector protocols
# TYPE proc_events_foreign_messages_total counter
proc_events_foreign_messages_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"proc_events_control_messages_total", "proc_events_foreign_messages_total"))
}

func TestProcessor_HandlerError(t *testing.T) {
	boom := errors.New("boom")
	handler := &recordingHandler{err: boom}
	p, _ := newTestProcessor(t, handler)

	err := p.HandleMessage(exec)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "handling exec event")
}

func TestProcessor_NoMetrics(t *testing.T) {
	handler := &recordingHandler{}
	p := NewProcessor(handler)

	require.NoError(t, p.HandleMessage(fork))
	assert.Len(t, handler.events, 1)
}

// tableCheckingHandler asserts the process is still in the table while
// its events are handled.
type tableCheckingHandler struct {
	t     *testing.T
	table *procmeta.Manager
}

func (h *tableCheckingHandler) HandleEvent(ev connector.ProcEvent) error {
	_, ok := h.table.Get(50)
	assert.True(h.t, ok, "process 50 missing while handling %s", ev.Event.Kind())
	return nil
}

func TestProcessor_ProcessTable(t *testing.T) {
	table := procmeta.NewManager()
	handler := &tableCheckingHandler{t: t, table: table}
	p, _ := newTestProcessor(t, handler, WithProcessTable(table), WithKinds(connector.EventExit))

	require.NoError(t, p.HandleMessage(fork))
	require.NoError(t, p.HandleMessage(exec))

	// Masked events still reach the table.
	md, ok := table.Get(50)
	require.True(t, ok)
	assert.True(t, md.ForkObserved)
	assert.Equal(t, 1, md.Execs)

	require.NoError(t, p.HandleMessage(exit))
	_, ok = table.Get(50)
	assert.False(t, ok, "exited process must be removed")
}
