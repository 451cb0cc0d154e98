package counter

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"request_key":"k"}`))
	require.NoError(t, err)
	assert.Equal(t, RequestEvent{RequestKey: "k"}, e)

	for _, data := range []string{
		"",
		"not json",
		`{"request_key":1}`,
		`{"other":"k"}`,
	} {
		_, err := DecodeEvent([]byte(data))
		var derr *DecodeError
		if assert.True(t, errors.As(err, &derr), "%q: %v", data, err) {
			assert.Equal(t, "event", derr.What)
		}
	}
}

func TestDecodeCount(t *testing.T) {
	for _, tt := range []struct {
		data    string
		want    uint64
		wantErr bool
	}{
		{data: "", want: 0},
		{data: `{"request_count":5}`, want: 5},
		{data: `{"request_count":18446744073709551615}`, want: 18446744073709551615},
		{data: `{"request_count":-1}`, wantErr: true},
		{data: `{"request_count":"5"}`, wantErr: true},
		{data: `{}`, wantErr: true},
		{data: `garbage`, wantErr: true},
	} {
		got, err := DecodeCount([]byte(tt.data))
		if tt.wantErr {
			var derr *DecodeError
			assert.True(t, errors.As(err, &derr), "%q", tt.data)
			continue
		}

		require.NoError(t, err, "%q", tt.data)
		assert.Equal(t, tt.want, got)
	}
}

func TestPeekCount(t *testing.T) {
	n, err := peekCount(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	n, err = peekCount([]byte(`{"request_count":41,"extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(41), n)

	for _, data := range []string{
		`{"request_count":`,
		`{"count":1}`,
		`{"request_count":"1"}`,
		`{"request_count":-3}`,
		`{"request_count":1.5}`,
		`{"request_count":1e30}`,
		`{"request_count":18446744073709551616}`,
	} {
		_, err := peekCount([]byte(data))
		var derr *DecodeError
		assert.True(t, errors.As(err, &derr), "%q", data)

		_, err = DecodeCount([]byte(data))
		assert.True(t, errors.As(err, &derr), "decoded %q", data)
	}

	n, err = peekCount([]byte(`{"request_count":18446744073709551615}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), n)
}

func TestEncoding(t *testing.T) {
	b, err := encodeEvent("k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_key":"k"}`, string(b))

	b, err = encodeCount(7)
	require.NoError(t, err)
	assert.JSONEq(t, `{"request_count":7}`, string(b))
}

func TestDecodeErrorMessage(t *testing.T) {
	err := &DecodeError{What: "event", Data: []byte("x")}
	assert.Equal(t, `counter: invalid event "x"`, err.Error())

	inner := errors.New("boom")
	err = &DecodeError{What: "count", Data: []byte("y"), Err: inner}
	assert.Equal(t, `counter: invalid count "y": boom`, err.Error())
	assert.ErrorIs(t, err, inner)
}
