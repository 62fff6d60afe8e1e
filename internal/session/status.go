package session

// Status is the externally visible session lifecycle state. The values
// double as the session state gauge readings.
type Status int32

const (
	StatusDisconnected Status = 0
	StatusConnecting   Status = 1
	StatusIdentifying  Status = 2
	StatusResuming     Status = 3
	StatusReady        Status = 4
	StatusFailed       Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
