// Package circuitbreaker implements the distributed per-upstream circuit
// breaker. All state lives in the shared store so every gateway host sees
// the same view: an ordered set of recent failure timestamps, a state
// scalar, the open-transition timestamp, and a single-flight probe token.
package circuitbreaker

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; one request allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// stateValue is the wire form stored in the state scalar. Only OPEN and
// HALF_OPEN are ever written; an absent scalar means CLOSED.
func (s State) stateValue() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return ""
	}
}
