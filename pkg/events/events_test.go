package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev := New(TypeDeposit)

	assert.Equal(t, TypeDeposit, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	other := New(TypeDeposit)
	assert.NotEqual(t, ev.ID, other.ID, "every event gets a fresh ID")
}

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	ev := New(TypeNAVUpdate)
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "holder")
	assert.NotContains(t, string(data), "shares")

	ev.Holder = "alice"
	ev.Shares = "100000000"
	data, err = json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"holder":"alice"`)
	assert.Contains(t, string(data), `"shares":"100000000"`)
}

func TestNoopPublisher(t *testing.T) {
	var pub Publisher = NoopPublisher{}
	assert.NoError(t, pub.Publish(New(TypeWithdraw)))
	pub.Close()
}
