package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/proc-connector/internal/attributes"
	"github.com/mrzor/proc-connector/internal/config"
	"github.com/mrzor/proc-connector/internal/connector"
	"github.com/mrzor/proc-connector/internal/timesync"
)

var bootTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func commBytes(s string) [connector.CommLen]byte {
	var b [connector.CommLen]byte
	copy(b[:], s)
	return b
}

func event(ts uint64, ev connector.Event) connector.ProcEvent {
	return connector.ProcEvent{CPU: 1, Timestamp: ts, Event: ev}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewTextFormatter(&buf, timesync.NewConverterAt(bootTime), nil, zaptest.NewLogger(t))

	require.NoError(t, f.HandleEvent(event(1_500_000_000, connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 42, ChildTGID: 42})))
	require.NoError(t, f.HandleEvent(event(2_000_000_000, connector.Comm{ParentPID: 42, ParentTGID: 42, Comm: commBytes("sh -c")})))
	require.NoError(t, f.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2026-01-02T03:04:06.5Z cpu=1 fork parent_pid=1 parent_tgid=1 child_pid=42 child_tgid=42", lines[0])
	assert.Equal(t, `2026-01-02T03:04:07Z cpu=1 comm pid=42 tgid=42 comm="sh -c"`, lines[1])
}

func TestTextFormatter_CustomAttributes(t *testing.T) {
	evaluator, err := attributes.NewEvaluator([]config.CustomAttribute{
		{Name: "abnormal", Expression: `exit_code != 0`},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	f := NewTextFormatter(&buf, timesync.NewConverterAt(bootTime), evaluator, zaptest.NewLogger(t))

	require.NoError(t, f.HandleEvent(event(0, connector.Exit{ProcessPID: 42, ProcessTGID: 42, ExitCode: 256, ExitSignal: 17})))
	assert.True(t, strings.HasSuffix(buf.String(), ` abnormal="true"`+"\n"), buf.String())
}

func TestJSONFormatter(t *testing.T) {
	evaluator, err := attributes.NewEvaluator([]config.CustomAttribute{
		{Name: "who", Expression: `"uid-" + string(euid)`},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	f := NewJSONFormatter(&buf, timesync.NewConverterAt(bootTime), evaluator, zaptest.NewLogger(t))

	require.NoError(t, f.HandleEvent(event(7, connector.UIDChange{ProcessPID: 9, ProcessTGID: 9, UID: 1000, EUID: 0})))

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	assert.True(t, strings.HasPrefix(line, `{"time":"2026-01-02T03:04:05.000000007Z","cpu":1,"timestamp":7,"kind":"uid","pid":9,`), line)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, "uid", decoded["kind"])
	assert.InDelta(t, 1000, decoded["uid"], 0)
	assert.InDelta(t, 0, decoded["euid"], 0)
	assert.Equal(t, map[string]any{"who": "uid-0"}, decoded["attributes"])
}

func TestJSONFormatter_CommIsString(t *testing.T) {
	var buf bytes.Buffer
	f := NewJSONFormatter(&buf, timesync.NewConverterAt(bootTime), nil, zaptest.NewLogger(t))

	require.NoError(t, f.HandleEvent(event(0, connector.Comm{ParentPID: 5, ParentTGID: 5, Comm: commBytes(`a"b`)})))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, `a"b`, decoded["comm"])
	assert.NotContains(t, decoded, "attributes")
}
