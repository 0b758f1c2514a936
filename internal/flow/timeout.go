package flow

import "time"

// Timeouts holds the per-protocol, per-phase timeout values (§3) compared
// against a flow's LastSeen at manager-sweep time. Each phase has a normal
// and an "emergency" (memory-pressure) variant, per §5.
type Timeouts struct {
	New            time.Duration
	NewEmergency   time.Duration
	Established    time.Duration
	EstabEmergency time.Duration
	Closed         time.Duration
	ClosedEmerg    time.Duration
}

// DefaultTCPTimeouts mirrors the orders of magnitude a TCP-aware IDS
// typically uses: generous while a handshake is outstanding, long once
// established (so long-lived connections aren't evicted mid-stream), and
// short once a FIN/RST sequence has closed the session.
var DefaultTCPTimeouts = Timeouts{
	New:            60 * time.Second,
	NewEmergency:   10 * time.Second,
	Established:    30 * time.Minute,
	EstabEmergency: 2 * time.Minute,
	Closed:         30 * time.Second,
	ClosedEmerg:    5 * time.Second,
}

// DefaultUDPTimeouts has no handshake phase, so New and Established share
// the same idle window; a UDP "flow" is just an idle timer.
var DefaultUDPTimeouts = Timeouts{
	New:            90 * time.Second,
	NewEmergency:   15 * time.Second,
	Established:    90 * time.Second,
	EstabEmergency: 15 * time.Second,
	Closed:         10 * time.Second,
	ClosedEmerg:    2 * time.Second,
}

// DefaultOtherTimeouts applies to ICMP and any other IP protocol.
var DefaultOtherTimeouts = Timeouts{
	New:            30 * time.Second,
	NewEmergency:   5 * time.Second,
	Established:    30 * time.Second,
	EstabEmergency: 5 * time.Second,
	Closed:         5 * time.Second,
	ClosedEmerg:    1 * time.Second,
}

// For returns the timeout applicable to f's current phase, selecting the
// emergency variant when emergency is true.
func (t Timeouts) For(phase Phase, emergency bool) time.Duration {
	switch phase {
	case PhaseNew:
		if emergency {
			return t.NewEmergency
		}
		return t.New
	case PhaseClosed:
		if emergency {
			return t.ClosedEmerg
		}
		return t.Closed
	default:
		if emergency {
			return t.EstabEmergency
		}
		return t.Established
	}
}

// TimeoutsFor selects the Timeouts table for an IP protocol number.
func TimeoutsFor(proto uint8) Timeouts {
	switch proto {
	case 6: // TCP
		return DefaultTCPTimeouts
	case 17: // UDP
		return DefaultUDPTimeouts
	default:
		return DefaultOtherTimeouts
	}
}

// IsIdle reports whether f has aged out under the given timeout table as of
// now, decided at decision time (lastts) per §3.
func (f *Flow) IsIdle(now time.Time, emergency bool) bool {
	timeouts := TimeoutsFor(f.Tuple.Proto)
	timeout := timeouts.For(f.Phase, emergency)
	return now.Sub(f.LastSeen()) >= timeout
}
