// Package governor decides, frame by frame, whether output should be emitted
// now, after a pacing delay, held as the newest candidate, or dropped.
package governor

import (
	"strings"
	"time"
)

// Policy selects what happens to a frame that arrives before the interval elapsed
type Policy int

const (
	// PolicyNone means no policy was requested; it resolves to PolicyWaitToPace
	PolicyNone Policy = iota
	// PolicyDropLatest discards the early frame
	PolicyDropLatest
	// PolicyDropOldest holds the early frame, replacing any older held one,
	// and flushes it once the interval elapses
	PolicyDropOldest
	// PolicyWaitToPace delays the early frame until the interval elapses
	PolicyWaitToPace
)

func (p Policy) String() string {
	switch p {
	case PolicyDropLatest:
		return "latest"
	case PolicyDropOldest:
		return "oldest"
	case PolicyWaitToPace:
		return "wait"
	default:
		return "none"
	}
}

// MarshalText encodes the policy by name
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePolicy maps the drop_strategy query value to a Policy. Anything that
// is not a drop strategy paces.
func ParsePolicy(s string) Policy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "latest", "drop_latest":
		return PolicyDropLatest
	case "oldest", "drop_oldest":
		return PolicyDropOldest
	default:
		return PolicyWaitToPace
	}
}

// Action is the fate of one frame
type Action int

const (
	Emit Action = iota
	Delay
	Hold
	Drop
)

func (a Action) String() string {
	switch a {
	case Emit:
		return "emit"
	case Delay:
		return "delay"
	case Hold:
		return "hold"
	default:
		return "drop"
	}
}

// Decision is returned by Decide. Wait is set for Delay and Hold: the frame
// may be emitted once that much time has passed.
type Decision struct {
	Action Action
	Wait   time.Duration
}

// Governor tracks the last emit time of one session. Not safe for concurrent use.
type Governor struct {
	interval time.Duration
	policy   Policy
	lastEmit time.Time
}

// New creates a governor for the target fps. fps <= 0 disables limiting.
func New(fps float64, policy Policy) *Governor {
	if policy == PolicyNone {
		policy = PolicyWaitToPace
	}
	var interval time.Duration
	if fps > 0 {
		interval = time.Duration(float64(time.Second) / fps)
	}
	return &Governor{
		interval: interval,
		policy:   policy,
	}
}

// Interval returns the minimum spacing between emitted frames
func (g *Governor) Interval() time.Duration {
	return g.interval
}

// Policy returns the effective drop policy
func (g *Governor) Policy() Policy {
	return g.policy
}

// Limited reports whether any rate limiting is active
func (g *Governor) Limited() bool {
	return g.interval > 0
}

// Decide returns the fate of a frame observed at now. An Emit decision
// records now as the last emit time; for Delay and Hold the caller must call
// Emitted with the actual time once the frame goes out.
func (g *Governor) Decide(now time.Time) Decision {
	if g.interval <= 0 {
		g.lastEmit = now
		return Decision{Action: Emit}
	}

	elapsed := now.Sub(g.lastEmit)
	if g.lastEmit.IsZero() || elapsed >= g.interval {
		g.lastEmit = now
		return Decision{Action: Emit}
	}

	wait := g.interval - elapsed
	switch g.policy {
	case PolicyDropLatest:
		return Decision{Action: Drop}
	case PolicyDropOldest:
		return Decision{Action: Hold, Wait: wait}
	default:
		return Decision{Action: Delay, Wait: wait}
	}
}

// Emitted records that a delayed or held frame was written at t
func (g *Governor) Emitted(t time.Time) {
	g.lastEmit = t
}

// NextEmit returns the earliest time the next frame may go out
func (g *Governor) NextEmit() time.Time {
	return g.lastEmit.Add(g.interval)
}
