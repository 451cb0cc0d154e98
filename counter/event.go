package counter

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// RequestEvent is the message enqueued for every counted request.
type RequestEvent struct {
	RequestKey string `json:"request_key"`
}

// RequestCount is the value stored under a counter key.
type RequestCount struct {
	RequestCount uint64 `json:"request_count"`
}

// DecodeError reports a malformed queue message or stored value.
type DecodeError struct {
	// What names the decoded document, "event" or "count".
	What string
	Data []byte
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("counter: invalid %s %q", e.What, e.Data)
	}

	return fmt.Sprintf("counter: invalid %s %q: %v", e.What, e.Data, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func encodeEvent(key string) ([]byte, error) {
	return json.Marshal(RequestEvent{RequestKey: key})
}

// DecodeEvent decodes a queue message. Empty messages and messages
// without a request key are invalid.
func DecodeEvent(data []byte) (RequestEvent, error) {
	if len(data) == 0 {
		return RequestEvent{}, &DecodeError{What: "event", Data: data}
	}

	var e struct {
		RequestKey *string `json:"request_key"`
	}

	if err := json.Unmarshal(data, &e); err != nil {
		return RequestEvent{}, &DecodeError{What: "event", Data: data, Err: err}
	}

	if e.RequestKey == nil {
		return RequestEvent{}, &DecodeError{What: "event", Data: data, Err: fmt.Errorf("missing request_key")}
	}

	return RequestEvent{RequestKey: *e.RequestKey}, nil
}

func encodeCount(n uint64) ([]byte, error) {
	return json.Marshal(RequestCount{RequestCount: n})
}

// DecodeCount decodes a stored value. A missing or empty value is a
// count of zero.
func DecodeCount(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	var c struct {
		RequestCount *uint64 `json:"request_count"`
	}

	if err := json.Unmarshal(data, &c); err != nil {
		return 0, &DecodeError{What: "count", Data: data, Err: err}
	}

	if c.RequestCount == nil {
		return 0, &DecodeError{What: "count", Data: data, Err: fmt.Errorf("missing request_count")}
	}

	return *c.RequestCount, nil
}

// peekCount is the read of the producer. It accepts the same counts as
// DecodeCount without decoding the whole document.
func peekCount(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}

	if !gjson.ValidBytes(data) {
		return 0, &DecodeError{What: "count", Data: data, Err: fmt.Errorf("invalid json")}
	}

	v := gjson.GetBytes(data, "request_count")
	if v.Type != gjson.Number {
		return 0, &DecodeError{What: "count", Data: data, Err: fmt.Errorf("missing request_count")}
	}

	n, err := strconv.ParseUint(v.Raw, 10, 64)
	if err != nil {
		return 0, &DecodeError{What: "count", Data: data, Err: err}
	}

	return n, nil
}
