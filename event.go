package waitz

// MaxStackFrames is the number of caller frames captured per enter event.
const MaxStackFrames = 32

// Kind tells whether a goroutine entered or left a wait.
type Kind uint8

const (
	EnterWait Kind = iota
	ExitWait
)

func (k Kind) String() string {
	switch k {
	case EnterWait:
		return "enter-wait"
	case ExitWait:
		return "exit-wait"
	default:
		return "invalid"
	}
}

// Reason describes why a goroutine is not runnable.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonMonitorBlock
	ReasonPark
	ReasonSleep
	ReasonIOBlock
)

var reasonNames = [...]string{
	ReasonUnknown:      "unknown",
	ReasonMonitorBlock: "monitor-block",
	ReasonPark:         "park",
	ReasonSleep:        "sleep",
	ReasonIOBlock:      "io-block",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return reasonNames[ReasonUnknown]
}

// ParseReason maps a reason name back to its value.
// Unrecognized names yield ReasonUnknown.
func ParseReason(s string) Reason {
	for i, name := range reasonNames {
		if name == s {
			return Reason(i)
		}
	}
	return ReasonUnknown
}

// WaitEvent is a single thread state transition.
// It is a fixed-size value so the listener can build it without allocating.
//
//nolint:govet // Field order keeps the stack array last for cache-friendly copies
type WaitEvent struct {
	Thread    ThreadID
	Timestamp int64 // Nanoseconds since the engine anchor, monotonic.
	Resource  ResourceID
	Kind      Kind
	Reason    Reason
	Depth     uint8 // Populated entries in Stack.
	Stack     [MaxStackFrames]uintptr
}

// HasResource reports whether the event names the resource being waited on.
func (e *WaitEvent) HasResource() bool {
	return e.Resource != NoResource
}

// Frames returns the captured caller program counters.
func (e *WaitEvent) Frames() []uintptr {
	return e.Stack[:e.Depth]
}
