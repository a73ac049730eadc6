package core

import "fmt"

type waitKind int

const (
	waitNone waitKind = iota
	waitIndefinitely
	waitSeconds
)

// WaitPolicy decides whether a partial batch is flushed once the queue
// runs dry. The zero value is WaitNone.
type WaitPolicy struct {
	kind    waitKind
	seconds int
}

var (
	// WaitNone flushes a partial batch as soon as the queue is empty.
	WaitNone = WaitPolicy{kind: waitNone}

	// WaitIndefinitely only ever flushes full batches.
	WaitIndefinitely = WaitPolicy{kind: waitIndefinitely}
)

// WaitSeconds keeps a partial batch open while the queue stays empty for
// up to n one-interval checks, then flushes it.
func WaitSeconds(n int) WaitPolicy {
	return WaitPolicy{kind: waitSeconds, seconds: n}
}

// ParseWait maps the registration values false, true and a number of
// seconds onto a WaitPolicy.
func ParseWait(v any) (WaitPolicy, error) {
	switch w := v.(type) {
	case nil:
		return WaitNone, nil
	case bool:
		if w {
			return WaitIndefinitely, nil
		}
		return WaitNone, nil
	case int:
		return validSeconds(w)
	case int64:
		return validSeconds(int(w))
	case float64:
		if w != float64(int(w)) {
			return WaitPolicy{}, fmt.Errorf("jobmux: wait %v is not a whole number of seconds", w)
		}
		return validSeconds(int(w))
	case WaitPolicy:
		return w, nil
	default:
		return WaitPolicy{}, fmt.Errorf("jobmux: unsupported wait value %T", v)
	}
}

func validSeconds(n int) (WaitPolicy, error) {
	if n <= 0 {
		return WaitPolicy{}, fmt.Errorf("jobmux: wait seconds must be positive, got %d", n)
	}
	return WaitSeconds(n), nil
}

// IsNone reports whether the policy never waits.
func (w WaitPolicy) IsNone() bool { return w.kind == waitNone }

// Seconds returns the grace period for WaitSeconds policies, 0 otherwise.
func (w WaitPolicy) Seconds() int {
	if w.kind != waitSeconds {
		return 0
	}
	return w.seconds
}

func (w WaitPolicy) String() string {
	switch w.kind {
	case waitIndefinitely:
		return "indefinite"
	case waitSeconds:
		return fmt.Sprintf("%ds", w.seconds)
	default:
		return "none"
	}
}
