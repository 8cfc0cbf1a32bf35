// Provides OCPP-J framing: [type, messageId, ...] arrays
package ocpp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type MessageType int

// OCPP MessageType
const (
	CallType       MessageType = 2
	CallResultType MessageType = 3
	CallErrorType  MessageType = 4
)

// UnknownMessageId answers frames whose message id cannot be recovered.
const UnknownMessageId = "-1"

type Message interface {
	MessageType() MessageType
	MessageId() string
}

// [2,"19223201","BootNotification",{"chargePointVendor":"VendorX","chargePointModel":"SingleSocketCharger"}]
type Call struct {
	MsgId   string
	Action  Action
	Payload json.RawMessage
}

// [3,"19223201",{"status":"Accepted","currentTime":"2013-02-01T20:53:32.486Z","interval":300}]
type CallResult struct {
	MsgId   string
	Payload json.RawMessage
}

// [4,"19223201","NotImplemented","Unknown action",{}]
type CallError struct {
	MsgId            string
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (c *Call) MessageType() MessageType       { return CallType }
func (c *Call) MessageId() string              { return c.MsgId }
func (c *CallResult) MessageType() MessageType { return CallResultType }
func (c *CallResult) MessageId() string        { return c.MsgId }
func (c *CallError) MessageType() MessageType  { return CallErrorType }
func (c *CallError) MessageId() string         { return c.MsgId }

func GenerateUniqueId() string {
	return uuid.New().String()
}

func emptyObjectIfNil(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (c *Call) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{CallType, c.MsgId, c.Action, emptyObjectIfNil(c.Payload)})
}

func (c *CallResult) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{CallResultType, c.MsgId, emptyObjectIfNil(c.Payload)})
}

func (c *CallError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{CallErrorType, c.MsgId, c.ErrorCode, c.ErrorDescription, emptyObjectIfNil(c.ErrorDetails)})
}

// AsError converts a received CallError into an *Error.
func (c *CallError) AsError() *Error {
	var details any
	if len(c.ErrorDetails) > 0 {
		_ = json.Unmarshal(c.ErrorDetails, &details)
	}
	return &Error{Code: c.ErrorCode, Description: c.ErrorDescription, Details: details}
}

// NewCall builds a Call with a fresh message id, marshalling payload unless it is already raw JSON.
func NewCall(action Action, payload any) (*Call, error) {
	raw, err := toRaw(payload)
	if err != nil {
		return nil, err
	}
	return &Call{MsgId: GenerateUniqueId(), Action: action, Payload: raw}, nil
}

func NewCallResult(msgId string, payload any) (*CallResult, error) {
	raw, err := toRaw(payload)
	if err != nil {
		return nil, err
	}
	return &CallResult{MsgId: msgId, Payload: raw}, nil
}

func NewCallError(msgId string, ocppErr *Error) *CallError {
	callErr := &CallError{MsgId: msgId, ErrorCode: ocppErr.Code, ErrorDescription: ocppErr.Description}
	if ocppErr.Details != nil {
		if raw, err := toRaw(ocppErr.Details); err == nil {
			callErr.ErrorDetails = raw
		}
	}
	if !callErr.ErrorCode.Valid() {
		callErr.ErrorCode = GenericError
	}
	return callErr
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	by, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(by), nil
}

func frameError(msgId string, code ErrorCode, format string, args ...any) *FrameError {
	return &FrameError{MessageID: msgId, Cause: NewError(code, fmt.Sprintf(format, args...), nil)}
}

// ParseMessage decodes one frame into *Call, *CallResult or *CallError.
// Failures are returned as *FrameError.
func ParseMessage(buf []byte) (Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(buf, &fields); err != nil {
		return nil, frameError("", FormationViolation, "frame is not a JSON array: %s", err.Error())
	}
	if len(fields) < 3 {
		return nil, frameError("", FormationViolation, "frame has %d fields", len(fields))
	}

	var msgType int
	if err := json.Unmarshal(fields[0], &msgType); err != nil {
		return nil, frameError("", FormationViolation, "message type is not a number")
	}
	var msgId string
	if err := json.Unmarshal(fields[1], &msgId); err != nil || msgId == "" {
		return nil, frameError("", FormationViolation, "message id is not a string")
	}

	switch MessageType(msgType) {
	case CallType:
		if len(fields) != 4 {
			return nil, frameError(msgId, FormationViolation, "call has %d fields, expected 4", len(fields))
		}
		var action string
		if err := json.Unmarshal(fields[2], &action); err != nil || action == "" {
			return nil, frameError(msgId, FormationViolation, "action is not a string")
		}
		payload := bytes.TrimSpace(fields[3])
		if len(payload) == 0 || payload[0] != '{' {
			return nil, frameError(msgId, FormationViolation, "payload of %s is not an object", action)
		}
		return &Call{MsgId: msgId, Action: Action(action), Payload: json.RawMessage(payload)}, nil

	case CallResultType:
		if len(fields) != 3 {
			return nil, frameError(msgId, FormationViolation, "call result has %d fields, expected 3", len(fields))
		}
		return &CallResult{MsgId: msgId, Payload: fields[2]}, nil

	case CallErrorType:
		if len(fields) < 4 || len(fields) > 5 {
			return nil, frameError(msgId, FormationViolation, "call error has %d fields", len(fields))
		}
		callErr := &CallError{MsgId: msgId}
		var code string
		if err := json.Unmarshal(fields[2], &code); err != nil {
			return nil, frameError(msgId, FormationViolation, "error code is not a string")
		}
		callErr.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(fields[3], &callErr.ErrorDescription); err != nil {
			return nil, frameError(msgId, FormationViolation, "error description is not a string")
		}
		if len(fields) == 5 {
			callErr.ErrorDetails = fields[4]
		}
		return callErr, nil
	}

	return nil, frameError(msgId, NotSupported, "message type %d not supported", msgType)
}
