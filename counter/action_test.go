package counter

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers [][2]string
		want    Action
		wantOK  bool
	}{{
		name: "no headers",
	}, {
		name:    "no trigger",
		headers: [][2]string{{"accept", "*/*"}, {"user-agent", "curl"}},
	}, {
		name:    "fail",
		headers: [][2]string{{"accept", "*/*"}, {"x-fail", "1"}},
		want:    Action{Kind: Fail},
		wantOK:  true,
	}, {
		name:    "redirect carries the location verbatim",
		headers: [][2]string{{"x-redirect", " /new?a=b "}},
		want:    Action{Kind: Redirect, Value: " /new?a=b "},
		wantOK:  true,
	}, {
		name:    "body",
		headers: [][2]string{{"x-body", "hello"}},
		want:    Action{Kind: Body, Value: "hello"},
		wantOK:  true,
	}, {
		name:    "proxy path",
		headers: [][2]string{{"x-httpbin", "/anything"}},
		want:    Action{Kind: ProxyPath, Value: "/anything"},
		wantOK:  true,
	}, {
		name:    "empty value",
		headers: [][2]string{{"x-body", ""}},
		want:    Action{Kind: Body},
		wantOK:  true,
	}, {
		name:    "last match wins",
		headers: [][2]string{{"x-redirect", "/a"}, {"x-body", "b"}},
		want:    Action{Kind: Body, Value: "b"},
		wantOK:  true,
	}, {
		name:    "last match wins in reverse order",
		headers: [][2]string{{"x-body", "b"}, {"x-redirect", "/a"}},
		want:    Action{Kind: Redirect, Value: "/a"},
		wantOK:  true,
	}, {
		name:    "repeated trigger",
		headers: [][2]string{{"x-redirect", "/a"}, {"x-redirect", "/b"}},
		want:    Action{Kind: Redirect, Value: "/b"},
		wantOK:  true,
	}, {
		name:    "fail overwrites payload",
		headers: [][2]string{{"x-body", "b"}, {"x-fail", "yes"}},
		want:    Action{Kind: Fail},
		wantOK:  true,
	}, {
		name:    "case sensitive names",
		headers: [][2]string{{"X-Fail", "1"}, {"x-BODY", "b"}},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.headers)
			assert.Equal(t, tt.wantOK, ok)
			if d := cmp.Diff(tt.want, got); d != "" {
				t.Errorf("unexpected action (-want +got):\n%s", d)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	headers := [][2]string{{"a", "1"}, {"x-httpbin", "/get"}, {"b", "2"}}
	first, _ := Classify(headers)
	for i := 0; i < 100; i++ {
		got, ok := Classify(headers)
		assert.True(t, ok)
		assert.Equal(t, first, got)
	}
}

func TestEventKey(t *testing.T) {
	for _, tt := range []struct {
		namespace string
		action    Action
		ok        bool
		want      string
	}{
		{"", Action{}, false, "envoy.playground.request_ct.GenericRequest"},
		{"", Action{Kind: Fail}, true, "envoy.playground.request_ct.Do.Fail"},
		{"", Action{Kind: Redirect, Value: "/x"}, true, "envoy.playground.request_ct.Do.Redirect"},
		{"", Action{Kind: Body, Value: "b"}, true, "envoy.playground.request_ct.Do.Body"},
		{"", Action{Kind: ProxyPath, Value: "/get"}, true, "envoy.playground.request_ct.Do.Httpbin"},
		{"custom", Action{Kind: Fail}, true, "custom.Do.Fail"},
		{"custom", Action{Kind: Fail}, false, "custom.GenericRequest"},
	} {
		assert.Equal(t, tt.want, EventKey(tt.namespace, tt.action, tt.ok))
	}
}

func TestEventKeyCoarsening(t *testing.T) {
	a := EventKey(DefaultNamespace, Action{Kind: Redirect, Value: "/a"}, true)
	b := EventKey(DefaultNamespace, Action{Kind: Redirect, Value: "https://example.org/b"}, true)
	assert.Equal(t, a, b)

	c := EventKey(DefaultNamespace, Action{Kind: Body, Value: "one"}, true)
	d := EventKey(DefaultNamespace, Action{Kind: Body, Value: "two"}, true)
	assert.Equal(t, c, d)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Do.Unknown", Kind(0).String())
	assert.Equal(t, "Do.Httpbin", ProxyPath.String())
}
