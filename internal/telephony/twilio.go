package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioAPIBase = "https://api.twilio.com"

// TwilioProvider drives the Twilio Calls REST API directly over net/http.
// Deliberately no provider SDK dependency; this adapter is the only place
// Twilio request/response shapes appear.
type TwilioProvider struct {
	AccountSID string
	AuthToken  string

	// BaseURL overrides the API endpoint, for tests.
	BaseURL string

	HTTPClient *http.Client
}

func NewTwilioProvider(accountSID, authToken string) *TwilioProvider {
	return &TwilioProvider{
		AccountSID: accountSID,
		AuthToken:  authToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) HealthCheck(ctx context.Context) error {
	if p.AccountSID == "" || p.AuthToken == "" {
		return errors.New("telephony: twilio credentials not configured")
	}
	return nil
}

func (p *TwilioProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResult, error) {
	if req.To == "" || req.From == "" {
		return CreateCallResult{}, errors.New("telephony: to and from are required")
	}
	if req.AnswerURL == "" {
		return CreateCallResult{}, errors.New("telephony: answer_url is required")
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.MachineDetection {
		form.Set("MachineDetection", "Enable")
	}

	var out struct {
		Sid string `json:"sid"`
	}
	if err := p.post(ctx, p.callsURL(""), form, &out); err != nil {
		return CreateCallResult{}, err
	}
	if out.Sid == "" {
		return CreateCallResult{}, errors.New("telephony: twilio response missing call sid")
	}
	return CreateCallResult{ProviderCallID: out.Sid}, nil
}

func (p *TwilioProvider) TerminateCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return errors.New("telephony: provider call id is required")
	}
	form := url.Values{}
	form.Set("Status", "completed")
	return p.post(ctx, p.callsURL(providerCallID), form, nil)
}

func (p *TwilioProvider) callsURL(callSID string) string {
	base := p.BaseURL
	if base == "" {
		base = twilioAPIBase
	}
	if callSID == "" {
		return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", base, p.AccountSID)
	}
	return fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", base, p.AccountSID, callSID)
}

func (p *TwilioProvider) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(p.AccountSID, p.AuthToken)

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telephony: twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telephony: twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("telephony: twilio response decode failed: %w", err)
		}
	}
	return nil
}
