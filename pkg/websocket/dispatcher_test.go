package websocket

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionHealthCheck, func(ctx context.Context, msg *Message) (*Message, error) {
		return NewResponse(msg.ID, msg.Action, map[string]string{"status": "ok"})
	})
	assert.True(t, d.HasHandler(ActionHealthCheck))
	assert.Equal(t, []string{ActionHealthCheck}, d.Actions())

	req, err := NewRequest("1", ActionHealthCheck, nil)
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeResponse, resp.Type)
	assert.Equal(t, "1", resp.ID)

	var body map[string]string
	require.NoError(t, resp.ParsePayload(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestDispatchErrors(t *testing.T) {
	d := NewDispatcher()
	d.RegisterFunc(ActionSessionStatus, func(ctx context.Context, msg *Message) (*Message, error) {
		panic("boom")
	})

	tests := []struct {
		name string
		msg  func() (*Message, error)
		code string
	}{
		{
			name: "unknown action",
			msg:  func() (*Message, error) { return NewRequest("2", "nope", nil) },
			code: ErrorCodeUnknownAction,
		},
		{
			name: "not a request",
			msg:  func() (*Message, error) { return NewNotification(ActionSessionStatus, nil) },
			code: ErrorCodeBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := tt.msg()
			require.NoError(t, err)
			resp, err := d.Dispatch(context.Background(), msg)
			require.NoError(t, err)
			assert.Equal(t, MessageTypeError, resp.Type)

			var payload ErrorPayload
			require.NoError(t, resp.ParsePayload(&payload))
			assert.Equal(t, tt.code, payload.Code)
		})
	}

	req, err := NewRequest("3", ActionSessionStatus, nil)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), req)
	assert.ErrorContains(t, err, "panicked")
}
