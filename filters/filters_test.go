package filters

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSpec struct {
	name string
}

type testFilter struct {
	args []interface{}
}

func (s *testSpec) Name() string { return s.name }

func (s *testSpec) CreateFilter(args []interface{}) (Filter, error) {
	if len(args) == 0 {
		return nil, ErrInvalidFilterParameters
	}
	return &testFilter{args: args}, nil
}

func (*testFilter) Request(FilterContext)  {}
func (*testFilter) Response(FilterContext) {}

func TestRegistry(t *testing.T) {
	r := make(Registry)
	s1 := &testSpec{name: "f1"}
	r.Register(s1)
	r.Register(&testSpec{name: "f2"})

	assert.Same(t, s1, r["f1"])
	assert.Len(t, r, 2)

	replaced := &testSpec{name: "f1"}
	r.Register(replaced)
	assert.Same(t, replaced, r["f1"])

	f, err := r.Create("f1", "a", 1.0)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", 1.0}, f.(*testFilter).args)

	_, err = r.Create("f1")
	assert.ErrorIs(t, err, ErrInvalidFilterParameters)

	_, err = r.Create("missing")
	var uerr *UnknownFilterError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "unknown filter: missing", err.Error())
}

func TestStringArg(t *testing.T) {
	s, err := StringArg("s")
	assert.NoError(t, err)
	assert.Equal(t, "s", s)

	_, err = StringArg(1.1)
	assert.EqualError(t, err, "1.1 is not a string")

	_, err = StringArg(nil)
	assert.EqualError(t, err, "<nil> is not a string")
}

func TestDocumentArg(t *testing.T) {
	d, err := DocumentArg(`{"a":1}`)
	assert.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), d)

	d, err = DocumentArg([]byte("a: 1"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("a: 1"), d)

	_, err = DocumentArg(42)
	assert.EqualError(t, err, "42 is not a document")
}
