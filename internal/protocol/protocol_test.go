package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_envelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"id":3,"type":"SEND_MESSAGE","payload":{"room_id":"r1","content":"hello"}}`)

	var msg ClientMessage
	err := json.Unmarshal(raw, &msg)
	assert.NoError(t, err, "expected no error decoding request envelope")
	assert.Equal(t, 3, msg.Id, "expected request id to match")
	assert.Equal(t, CmdSendMessage, msg.Type, "expected command type to match")

	var payload SendMessagePayload
	err = json.Unmarshal(msg.Payload, &payload)
	assert.NoError(t, err, "expected no error decoding payload")
	assert.Equal(t, "r1", payload.RoomId, "expected room id to match")
	assert.Equal(t, "hello", payload.Content, "expected content to match")
}

func Test_serverMessageSerialization(t *testing.T) {
	msg := Ok(1, EventOk, map[string]string{"k": "v"})

	bytes, err := json.Marshal(msg)
	assert.NoError(t, err, "expected no error during serialization")

	expected := `{"id":1,"type":"OK","success":true,"payload":{"k":"v"},"timestamp":"` +
		msg.Timestamp.Format(time.RFC3339Nano) + `"}`
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_failureResponses(t *testing.T) {
	tcases := []struct {
		name     string
		msg      *ServerMessage
		expected string
	}{
		{"not authenticated", ErrNotAuthenticated(1), "not authenticated"},
		{"unknown command", ErrUnknownCommand(2, "FROB"), "unknown command: FROB"},
		{"invalid payload", ErrInvalidPayload(3), "invalid message payload"},
		{"invalid arguments", ErrInvalidArguments(4, "a private room requires exactly two participants"), "a private room requires exactly two participants"},
		{"persistence", ErrPersistence(5), "storage operation failed"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, tc.msg.Success, "expected failure response")
			assert.Equal(t, EventError, tc.msg.Type, "expected error event type")
			assert.Equal(t, tc.expected, tc.msg.Message, "expected a display-ready message")
			assert.NotZero(t, tc.msg.Timestamp, "expected timestamp to be set")
		})
	}
}
