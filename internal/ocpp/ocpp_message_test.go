package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUniqueId(t *testing.T) {
	result := GenerateUniqueId()

	_, err := uuid.Parse(result)
	assert.NoError(t, err)
}

func TestCallRoundTrip(t *testing.T) {
	payload := map[string]any{"chargePointVendor": "VendorX", "chargePointModel": "Model1"}
	call, err := NewCall(BootNotification, payload)
	require.NoError(t, err)

	by, err := json.Marshal(call)
	require.NoError(t, err)

	msg, err := ParseMessage(by)
	require.NoError(t, err)
	parsed, ok := msg.(*Call)
	require.True(t, ok)
	assert.Equal(t, call.MsgId, parsed.MessageId())
	assert.Equal(t, BootNotification, parsed.Action)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(parsed.Payload, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestCallResultRoundTrip(t *testing.T) {
	result, err := NewCallResult("1", OcppBootNotificationResponse{Status: BootStatus_Accepted, CurrentTime: "2024-09-27T08:59:59Z", Interval: 60})
	require.NoError(t, err)

	by, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Equal(t, `[3,"1",{"status":"Accepted","currentTime":"2024-09-27T08:59:59Z","interval":60}]`, string(by))

	msg, err := ParseMessage(by)
	require.NoError(t, err)
	parsed := msg.(*CallResult)
	assert.Equal(t, CallResultType, parsed.MessageType())

	var decoded OcppBootNotificationResponse
	require.NoError(t, json.Unmarshal(parsed.Payload, &decoded))
	assert.Equal(t, BootStatus_Accepted, decoded.Status)
	assert.Equal(t, 60, decoded.Interval)
}

func TestCallErrorRoundTrip(t *testing.T) {
	callErr := NewCallError("9", NewError(NotImplemented, "Unknown action", map[string]any{DetailReason: ReasonNotImplemented}))

	by, err := json.Marshal(callErr)
	require.NoError(t, err)
	assert.Equal(t, `[4,"9","NotImplemented","Unknown action",{"reason":"NotImplemented"}]`, string(by))

	msg, err := ParseMessage(by)
	require.NoError(t, err)
	parsed := msg.(*CallError)
	assert.Equal(t, NotImplemented, parsed.ErrorCode)
	assert.Equal(t, "Unknown action", parsed.ErrorDescription)
	assert.Equal(t, ReasonNotImplemented, parsed.AsError().Reason())
}

func TestCallErrorWithoutDetailsGetsEmptyObject(t *testing.T) {
	by, err := json.Marshal(NewCallError("2", NewError(GenericError, "boom", nil)))
	require.NoError(t, err)
	assert.Equal(t, `[4,"2","GenericError","boom",{}]`, string(by))
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		msgId string
		code  ErrorCode
	}{
		{"not json", `hello`, "", FormationViolation},
		{"not array", `{"a":1}`, "", FormationViolation},
		{"too short", `[2,"1"]`, "", FormationViolation},
		{"id not string", `[2,1,"Heartbeat",{}]`, "", FormationViolation},
		{"call missing payload", `[2,"7","Heartbeat"]`, "7", FormationViolation},
		{"call payload not object", `[2,"7","Heartbeat",[]]`, "7", FormationViolation},
		{"call extra field", `[2,"7","Heartbeat",{},{}]`, "7", FormationViolation},
		{"unknown type", `[5,"8",{}]`, "8", NotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.frame))
			require.Error(t, err)

			var frameErr *FrameError
			require.True(t, errors.As(err, &frameErr))
			assert.Equal(t, tt.msgId, frameErr.MessageID)
			assert.Equal(t, tt.code, frameErr.Cause.Code)
		})
	}
}

func TestToError(t *testing.T) {
	tests := []struct {
		err    error
		code   ErrorCode
		reason string
	}{
		{ErrNotAllowedForDirection, NotImplemented, ReasonNotAllowed},
		{fmt.Errorf("wrapped: %w", ErrNotImplemented), NotImplemented, ReasonNotImplemented},
		{ErrRateLimited, GenericError, ReasonRateLimited},
		{&TimeoutError{MessageID: "9", Action: "Reset"}, GenericError, ReasonRequestTimeout},
		{ErrNotConnected, GenericError, ReasonNotConnected},
		{errors.New("boom"), InternalError, ReasonInternal},
	}

	for _, tt := range tests {
		ocppErr := ToError(tt.err)
		assert.Equal(t, tt.code, ocppErr.Code, tt.err.Error())
		assert.Equal(t, tt.reason, ocppErr.Reason(), tt.err.Error())
		assert.ErrorIs(t, ocppErr, tt.err)
	}
}

func TestToErrorKeepsOcppError(t *testing.T) {
	orig := NewError(SecurityError, "nope", nil)
	assert.Same(t, orig, ToError(fmt.Errorf("ctx: %w", orig)))
}

func TestTimeoutErrorIs(t *testing.T) {
	err := &TimeoutError{MessageID: "1", Action: string(RemoteStartTransaction)}
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestActionSets(t *testing.T) {
	assert.True(t, StationActions.Contains(BootNotification))
	assert.False(t, StationActions.Contains(RemoteStartTransaction))
	assert.True(t, BridgeActions.Contains(RemoteStartTransaction))
	assert.True(t, BridgeActions.Contains(DataTransfer))
	assert.False(t, BridgeActions.Contains(BootNotification))
}
