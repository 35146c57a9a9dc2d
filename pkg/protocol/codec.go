package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownVariant = errors.New("unknown message variant")
)

// Encode renders m as a single-key JSON object.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: %w", ErrMalformed)
	}
	var payload any = m
	// A nil user list is still a list on the wire.
	if u, ok := m.(Users); ok && u == nil {
		payload = Users{}
	}
	return json.Marshal(map[string]any{m.Tag(): payload})
}

// Decode parses a frame produced by Encode (or by a client).
func Decode(data []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one variant, got %d", ErrMalformed, len(obj))
	}

	for tag, raw := range obj {
		switch tag {
		case TagLogin:
			return decodeAs[Login](raw)
		case TagIn:
			return decodeAs[In](raw)
		case TagBroadcast:
			return decodeAs[Broadcast](raw)
		case TagAntiReplayToken:
			// Unit variant: {} and null are both accepted.
			if !isEmptyPayload(raw) {
				if _, err := decodeAs[AntiReplayToken](raw); err != nil {
					return nil, err
				}
			}
			return AntiReplayToken{}, nil
		case TagOut:
			return decodeAs[Out](raw)
		case TagUsers:
			u, err := decodeAs[Users](raw)
			if err != nil {
				return nil, err
			}
			if u == nil {
				u = Users{}
			}
			return u, nil
		case TagNotify:
			return decodeAs[Notify](raw)
		case TagLoginResponse:
			return decodeAs[LoginResponse](raw)
		case TagAntiReplayTokenResponse:
			return decodeAs[AntiReplayTokenResponse](raw)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, tag)
		}
	}
	return nil, ErrMalformed
}

func decodeAs[T Message](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, v.Tag(), err)
	}
	return v, nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
