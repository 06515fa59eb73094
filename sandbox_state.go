package hyperlight

// state is a Sandbox's lifecycle position (§5, §7). Build only ever
// returns a Sandbox already past its one-time guest init, in the
// Ready state; there is no externally observable "constructing" state
// because a Sandbox that fails to reach Ready is never handed back to
// the caller at all (LoadError/HypervisorError during Build produce
// no Sandbox).
type state int

const (
	stateReady state = iota
	statePoisoned
	stateDisposed
)

func (s state) String() string {
	switch s {
	case stateReady:
		return "Ready"
	case statePoisoned:
		return "Poisoned"
	case stateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}
