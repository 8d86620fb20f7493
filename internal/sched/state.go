package sched

import "telemetry-engine/internal/telemetry"

// State is the scheduler's polling mode. The in-flight guard is tracked
// separately and is orthogonal to it.
type State int

const (
	Idle State = iota
	BackgroundRegistered
	ForegroundPolling
)

func (s State) String() string {
	switch s {
	case BackgroundRegistered:
		return "background_registered"
	case ForegroundPolling:
		return "foreground_polling"
	default:
		return "idle"
	}
}

// Mode maps the state to the active polling mode. Idle has none.
func (s State) Mode() (telemetry.PollingMode, bool) {
	switch s {
	case ForegroundPolling:
		return telemetry.ModeForeground, true
	case BackgroundRegistered:
		return telemetry.ModeBackground, true
	default:
		return 0, false
	}
}

type Event int

const (
	EventCredentialValid Event = iota
	EventForeground
	EventBackground
	EventLogout
)

func (e Event) String() string {
	switch e {
	case EventCredentialValid:
		return "credential_valid"
	case EventForeground:
		return "foreground"
	case EventBackground:
		return "background"
	case EventLogout:
		return "logout"
	default:
		return "unknown"
	}
}

type Action int

const (
	ActionRegisterBackground Action = iota
	ActionUnregisterBackground
	ActionStartTimer
	ActionStopTimer
	ActionFetchNow
	ActionClearCredentials
)

// Step is the outcome of one transition.
type Step struct {
	Next       State
	Foreground bool
	Actions    []Action
}

// Transition is the pure state machine. foreground reports whether the
// application is currently in the foreground; lifecycle events update it
// even when they do not change the state.
func Transition(cur State, foreground bool, ev Event) Step {
	step := Step{Next: cur, Foreground: foreground}
	switch ev {
	case EventCredentialValid:
		if cur != Idle {
			return step
		}
		step.Next = BackgroundRegistered
		step.Actions = []Action{ActionRegisterBackground}
		if foreground {
			step.Next = ForegroundPolling
			step.Actions = append(step.Actions, ActionStartTimer, ActionFetchNow)
		}
	case EventForeground:
		step.Foreground = true
		if cur == BackgroundRegistered {
			step.Next = ForegroundPolling
			step.Actions = []Action{ActionStartTimer, ActionFetchNow}
		}
	case EventBackground:
		step.Foreground = false
		if cur == ForegroundPolling {
			step.Next = BackgroundRegistered
			step.Actions = []Action{ActionStopTimer}
		}
	case EventLogout:
		if cur == ForegroundPolling {
			step.Actions = append(step.Actions, ActionStopTimer)
		}
		if cur != Idle {
			step.Actions = append(step.Actions, ActionUnregisterBackground)
		}
		step.Actions = append(step.Actions, ActionClearCredentials)
		step.Next = Idle
	}
	return step
}

func has(actions []Action, a Action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
