package trackfilter

import "github.com/d--j/go-milter"

// Verdict is the answer of a [Session] to one milter event.
type Verdict int

const (
	// VerdictContinue lets the MTA send the next event of the transaction.
	VerdictContinue Verdict = iota
	// VerdictAccept accepts the message as it was received.
	VerdictAccept
	// VerdictAcceptModified accepts the message after its body was replaced.
	VerdictAcceptModified
	// VerdictTempFail asks the MTA to temporarily reject the message. The sender will retry later.
	VerdictTempFail
)

// String returns a logfmt and Prometheus label friendly representation of v.
func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictAccept:
		return "accept"
	case VerdictAcceptModified:
		return "accept_modified"
	case VerdictTempFail:
		return "temp_fail"
	default:
		return "invalid"
	}
}

// Response converts v to the milter response sent to the MTA.
// The modifications of [VerdictAcceptModified] were already sent, so it is a plain accept.
func (v Verdict) Response() *milter.Response {
	switch v {
	case VerdictAccept, VerdictAcceptModified:
		return milter.RespAccept
	case VerdictTempFail:
		return milter.RespTempFail
	default:
		return milter.RespContinue
	}
}
