package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
)

// Minimal TwiML builder for conference bridging. It intentionally avoids any
// provider SDK dependency.
//
// Both the winning agent leg and the customer leg join the same named
// conference with identical attributes: no beep, the conference starts as
// soon as either side enters, and neither side ends it on exit (the group
// coordinator tears legs down explicitly).

type twimlResponse struct {
	XMLName xml.Name  `xml:"Response"`
	Dial    twimlDial `xml:"Dial"`
}

type twimlDial struct {
	Conference twimlConference `xml:"Conference"`
}

type twimlConference struct {
	Beep                   string `xml:"beep,attr"`
	StartConferenceOnEnter string `xml:"startConferenceOnEnter,attr"`
	EndConferenceOnExit    string `xml:"endConferenceOnExit,attr"`
	Name                   string `xml:",chardata"`
}

// ConferenceJoinTwiML renders the conference join document for one leg.
func ConferenceJoinTwiML(conferenceName string) (string, error) {
	if conferenceName == "" {
		return "", errors.New("telephony: conference name is required")
	}

	r := twimlResponse{
		Dial: twimlDial{
			Conference: twimlConference{
				Beep:                   "false",
				StartConferenceOnEnter: "true",
				EndConferenceOnExit:    "false",
				Name:                   conferenceName,
			},
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
