package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func postForm(t *testing.T, values url.Values) TwilioStatusForm {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks/twilio/status", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	f, err := ParseTwilioStatusCallback(req)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return f
}

func TestParseTwilioStatusCallback(t *testing.T) {
	f := postForm(t, url.Values{
		"CallSid":    {"CA123"},
		"CallStatus": {"in-progress"},
		"AnsweredBy": {"human"},
	})
	if f.CallSid != "CA123" {
		t.Fatalf("expected CA123, got %q", f.CallSid)
	}
	ev := f.ToStatusEvent()
	if ev.Status != "in-progress" || ev.AMDResult != "human" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestLegStatusNormalization(t *testing.T) {
	f := TwilioStatusForm{CallStatus: "initiated"}
	if got := f.LegStatus(); got != "dialing" {
		t.Fatalf("expected dialing for initiated, got %q", got)
	}
	f.CallStatus = "answered"
	if got := f.LegStatus(); got != "in-progress" {
		t.Fatalf("expected in-progress for answered, got %q", got)
	}
	f.CallStatus = "no-answer"
	if got := f.LegStatus(); got != "no-answer" {
		t.Fatalf("expected no-answer passthrough, got %q", got)
	}
}

func TestAMDResultNormalization(t *testing.T) {
	for _, machine := range []string{"machine_start", "machine_end_beep", "machine_end_silence", "fax"} {
		f := TwilioStatusForm{AnsweredBy: machine}
		if got := f.AMDResult(); got != "machine" {
			t.Fatalf("expected machine for %q, got %q", machine, got)
		}
	}
	f := TwilioStatusForm{AnsweredBy: "unknown"}
	if got := f.AMDResult(); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	f.AnsweredBy = ""
	if got := f.AMDResult(); got != "" {
		t.Fatalf("expected empty verdict, got %q", got)
	}
}
