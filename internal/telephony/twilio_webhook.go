package telephony

import (
	"net/http"
	"strings"
)

// TwilioStatusForm captures the subset of status callback fields we care
// about. Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
//
// Keep it minimal and provider-adapter-only. Winner election and leg state
// transitions are not made here.
type TwilioStatusForm struct {
	CallSid        string
	AccountSid     string
	From           string
	To             string
	CallStatus     string
	AnsweredBy     string
	CallDuration   string
	SequenceNumber string
	Timestamp      string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:        r.PostFormValue("CallSid"),
		AccountSid:     r.PostFormValue("AccountSid"),
		From:           strings.TrimSpace(r.PostFormValue("From")),
		To:             strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:     r.PostFormValue("CallStatus"),
		AnsweredBy:     r.PostFormValue("AnsweredBy"),
		CallDuration:   r.PostFormValue("CallDuration"),
		SequenceNumber: r.PostFormValue("SequenceNumber"),
		Timestamp:      r.PostFormValue("Timestamp"),
	}
	return f, nil
}

// LegStatus normalizes Twilio's CallStatus to the internal leg vocabulary.
func (f TwilioStatusForm) LegStatus() string {
	switch f.CallStatus {
	case "queued", "initiated":
		return "dialing"
	case "ringing":
		return "ringing"
	case "in-progress", "answered":
		return "in-progress"
	case "completed":
		return "completed"
	case "busy":
		return "busy"
	case "failed":
		return "failed"
	case "no-answer":
		return "no-answer"
	case "canceled":
		return "canceled"
	default:
		// Unknown provider statuses pass through; the coordinator treats
		// unrecognized values as non-terminal.
		return f.CallStatus
	}
}

// AMDResult normalizes Twilio's AnsweredBy to human/machine/unknown.
// Empty means the provider sent no verdict on this event.
func (f TwilioStatusForm) AMDResult() string {
	switch f.AnsweredBy {
	case "human":
		return "human"
	case "machine_start", "machine_end_beep", "machine_end_silence", "machine_end_other", "fax":
		return "machine"
	case "unknown":
		return "unknown"
	default:
		return ""
	}
}

// ToStatusEvent converts the form into the normalized internal event.
func (f TwilioStatusForm) ToStatusEvent() StatusEvent {
	return StatusEvent{
		ProviderCallID: f.CallSid,
		Status:         f.LegStatus(),
		AMDResult:      f.AMDResult(),
	}
}
