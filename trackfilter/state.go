package trackfilter

//go:generate go tool stringer -type=State -trimprefix=State -output=state_string.go

// State is the position of a [Session] in the milter callback sequence.
type State int

const (
	// StateIdle is the state between transactions.
	StateIdle State = iota
	// StateCapturingHeaders is the state after MAIL FROM until the end of the headers.
	StateCapturingHeaders
	// StateCapturingBody is the state after the end of the headers until the end of the message.
	StateCapturingBody
	// StateFinalizing is the state while the message gets parsed, rewritten and sent back.
	StateFinalizing
	// StateAborted is the state after the MTA aborted a transaction.
	StateAborted
)
