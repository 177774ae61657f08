package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSigningStringCoversEveryField(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC)
	base := Message{From: "alice", To: "bob", Content: "hi", Timestamp: &ts}

	canonical := string(base.SigningString())
	require.Equal(t, "alice|bob|1741944413589793238|hi", canonical)

	mutations := []Message{
		{From: "mallory", To: "bob", Content: "hi", Timestamp: &ts},
		{From: "alice", To: "carol", Content: "hi", Timestamp: &ts},
		{From: "alice", To: "bob", Content: "bye", Timestamp: &ts},
	}
	for _, m := range mutations {
		require.NotEqual(t, canonical, string(m.SigningString()))
	}

	later := ts.Add(time.Nanosecond)
	mutated := base
	mutated.Timestamp = &later
	require.NotEqual(t, canonical, string(mutated.SigningString()))
}

func TestOnlySetFieldsAreEmitted(t *testing.T) {
	data, err := json.Marshal(&Message{From: "a", To: "b", Content: "c"})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Len(t, fields, 3)
	require.NotContains(t, fields, "timestamp")
	require.NotContains(t, fields, "signature")
	require.NotContains(t, fields, "status")
	require.NotContains(t, fields, "is_forward_message")
	require.NotContains(t, fields, "id")
}

func TestUnknownFieldsAreIgnored(t *testing.T) {
	raw := `{"from":"a","to":"b","content":"c","some_future_field":42}`
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	require.Equal(t, "a", msg.From)
}

func TestTimestampSurvivesTheWire(t *testing.T) {
	ts := time.Now().UTC()
	data, err := json.Marshal(&Message{From: "a", To: "b", Content: "c", Timestamp: &ts})
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Timestamp)
	// Nanosecond precision matters: the signature covers UnixNano.
	require.Equal(t, ts.UnixNano(), decoded.Timestamp.UnixNano())
}

func TestDirectAndExempt(t *testing.T) {
	require.True(t, (&Message{From: "x", To: "me"}).Direct("me"))
	require.False(t, (&Message{From: "x", To: Broadcast}).Direct(Broadcast))
	require.False(t, (&Message{From: "x", To: "you"}).Direct("me"))

	require.True(t, (&Message{From: SystemSender}).Exempt())
	require.True(t, (&Message{From: "x", IsForwardMessage: true}).Exempt())
	require.False(t, (&Message{From: "x"}).Exempt())
}
