package pgsession

// PollStatus is the outcome of one non-blocking advance of a multi-round
// handshake. Reading and Writing name the readiness condition that must hold
// before the next poll step; Ok and Failed are terminal.
type PollStatus int

const (
	PollReading PollStatus = iota
	PollWriting
	PollOk
	PollFailed
	PollActive
)

func (ps PollStatus) String() string {
	switch ps {
	case PollReading:
		return "reading"
	case PollWriting:
		return "writing"
	case PollOk:
		return "ok"
	case PollFailed:
		return "failed"
	case PollActive:
		return "active"
	default:
		return "invalid"
	}
}
