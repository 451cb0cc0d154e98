package counter

// Kind is the kind of an Action.
type Kind int

const (
	Fail Kind = iota + 1
	Redirect
	Body
	ProxyPath
)

// Trigger header names, as delivered by the host.
const (
	FailHeader      = "x-fail"
	RedirectHeader  = "x-redirect"
	BodyHeader      = "x-body"
	ProxyPathHeader = "x-httpbin"
)

const (
	// DefaultNamespace prefixes the counter keys when no namespace
	// is configured.
	DefaultNamespace = "envoy.playground.request_ct"

	// GenericRequest is the scope of requests without an action.
	GenericRequest = "GenericRequest"
)

// String returns the scope used in counter keys.
func (k Kind) String() string {
	switch k {
	case Fail:
		return "Do.Fail"
	case Redirect:
		return "Do.Redirect"
	case Body:
		return "Do.Body"
	case ProxyPath:
		return "Do.Httpbin"
	default:
		return "Do.Unknown"
	}
}

// Action is the intent derived from the trigger header of a request.
// Value is the header value: the location of a Redirect, the content
// of a Body, the path of a ProxyPath. It is empty for Fail.
type Action struct {
	Kind  Kind
	Value string
}

func kindOf(name string) (Kind, bool) {
	switch name {
	case FailHeader:
		return Fail, true
	case RedirectHeader:
		return Redirect, true
	case BodyHeader:
		return Body, true
	case ProxyPathHeader:
		return ProxyPath, true
	default:
		return 0, false
	}
}

// Classify scans the headers in the given order. Every trigger header
// overwrites the action of the previous one, so the last one wins.
// Names are compared case-sensitively.
func Classify(headers [][2]string) (Action, bool) {
	var (
		a  Action
		ok bool
	)

	for _, h := range headers {
		k, match := kindOf(h[0])
		if !match {
			continue
		}

		a, ok = Action{Kind: k}, true
		if k != Fail {
			a.Value = h[1]
		}
	}

	return a, ok
}

// EventKey returns the counter key of an action. ok false means no
// action. An empty namespace falls back to DefaultNamespace.
func EventKey(namespace string, a Action, ok bool) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	if !ok {
		return namespace + "." + GenericRequest
	}

	return namespace + "." + a.Kind.String()
}
