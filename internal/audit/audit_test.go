package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T, sinks ...Sink) (*Logger, string) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	return NewLogger(func(string) string { return path }, sinks...), path
}

func TestEmitAppendsJSONLineWithUniqueID(t *testing.T) {
	l, path := testLogger(t)

	require.NoError(t, l.Emit(EventInstanceStarted, "acme", "workers", "i-abc12345", nil))
	require.NoError(t, l.Emit(EventInstanceStopped, "acme", "workers", "i-abc12345", nil))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 2)

	assert.NotEmpty(t, events[0].ID)
	assert.NotEmpty(t, events[1].ID)
	assert.NotEqual(t, events[0].ID, events[1].ID)
	_, err = uuid.Parse(events[0].ID)
	assert.NoError(t, err)

	assert.Equal(t, EventInstanceStarted, events[0].Kind)
	assert.Equal(t, EventInstanceStopped, events[1].Kind)
}

type fakeSink struct{ events []Event }

func (s *fakeSink) Write(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestEmitFansOutToSinks(t *testing.T) {
	sink := &fakeSink{}
	l, _ := testLogger(t, sink)

	require.NoError(t, l.Emit(EventQuotaExceeded, "acme", "workers", "", map[string]any{"limit": "vcpus"}))

	require.Len(t, sink.events, 1)
	assert.Equal(t, EventQuotaExceeded, sink.events[0].Kind)
	assert.Equal(t, "vcpus", sink.events[0].Fields["limit"])
}
