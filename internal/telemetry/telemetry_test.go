package telemetry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
	return m.err
}

func TestLogEvent_PublishesJSON(t *testing.T) {
	pub := &mockPublisher{}
	sink := New(pub)

	sink.LogEvent("token.debit", map[string]any{"account_id": "acct-1", "amount": 12})

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "telemetry.events", pub.subjects[0])

	var got event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "token.debit", got.Name)
	assert.Equal(t, "acct-1", got.Attrs["account_id"])
	assert.False(t, got.At.IsZero())
}

func TestLogEvent_SwallowsPublishErrors(t *testing.T) {
	pub := &mockPublisher{err: errors.New("nats: connection closed")}
	sink := New(pub)

	assert.NotPanics(t, func() {
		sink.LogEvent("reconcile.mismatch", nil)
	})
}

func TestLogEvent_NoopWithoutPublisher(t *testing.T) {
	var sink *Sink
	assert.NotPanics(t, func() { sink.LogEvent("anything", nil) })
	assert.NotPanics(t, func() { New(nil).LogEvent("anything", nil) })
}
