package session

// State is a step of the connect-write-notify cycle.
type State int

const (
	Idle State = iota
	Connecting
	DiscoveringServices
	Subscribing
	Writing
	AwaitingNotification
	Parsed
	TimedOut
	Failed
	Disconnecting
	Closed
)

var stateNames = [...]string{
	Idle:                 "idle",
	Connecting:           "connecting",
	DiscoveringServices:  "discovering_services",
	Subscribing:          "subscribing",
	Writing:              "writing",
	AwaitingNotification: "awaiting_notification",
	Parsed:               "parsed",
	TimedOut:             "timed_out",
	Failed:               "failed",
	Disconnecting:        "disconnecting",
	Closed:               "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s is one of the outcome states.
func (s State) Terminal() bool {
	return s == Parsed || s == TimedOut || s == Failed
}
