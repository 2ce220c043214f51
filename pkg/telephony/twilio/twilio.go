// Package twilio provides the telephony adapter for originating and managing
// outbound calls through the Twilio REST API, generating the TwiML that
// connects an answered call to the media-stream WebSocket, and validating
// webhook signatures.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/dialvox/dialvox/pkg/types"
)

// answerTimeoutSec is how long the carrier lets the far end ring before
// giving up with no-answer.
const answerTimeoutSec = 120

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for recording downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRecordCalls enables dual-channel call recording on originated calls.
func WithRecordCalls(record bool) Option {
	return func(cl *Client) { cl.record = record }
}

// Client wraps the Twilio REST API for one account and from-number.
type Client struct {
	rest       *twiliosdk.RestClient
	validator  twclient.RequestValidator
	httpClient *http.Client

	accountSID string
	authToken  string
	fromNumber string
	publicURL  string
	record     bool
}

// New creates a Client. publicURL is the externally reachable base URL of the
// call server; Twilio fetches TwiML from and posts status callbacks to it.
func New(accountSID, authToken, fromNumber, publicURL string, opts ...Option) (*Client, error) {
	if accountSID == "" || authToken == "" {
		return nil, errors.New("twilio: accountSID and authToken must not be empty")
	}
	if fromNumber == "" {
		return nil, errors.New("twilio: fromNumber must not be empty")
	}
	if publicURL == "" {
		return nil, errors.New("twilio: publicURL must not be empty")
	}

	c := &Client{
		rest: twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		validator:  twclient.NewRequestValidator(authToken),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		publicURL:  publicURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// CallHandle identifies an originated call at the carrier.
type CallHandle struct {
	// SID is the carrier's call identifier.
	SID string

	// Status is the domain status mapped from the carrier's initial status.
	Status types.CallStatus
}

// Originate places an outbound call to the given E.164 number. When the call
// is answered Twilio fetches TwiML from /twilio/voice; lifecycle transitions
// are posted to /twilio/status. Both URLs carry callId so the server can
// route the webhook to the owning session.
func (c *Client) Originate(_ context.Context, to, callID string) (CallHandle, error) {
	voiceURL := fmt.Sprintf("%s/twilio/voice?callId=%s", c.publicURL, callID)
	statusURL := fmt.Sprintf("%s/twilio/status?callId=%s", c.publicURL, callID)

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.fromNumber)
	params.SetUrl(voiceURL)
	params.SetMethod(http.MethodPost)
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackMethod(http.MethodPost)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetTimeout(answerTimeoutSec)
	if c.record {
		params.SetRecord(true)
	}

	call, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return CallHandle{}, fmt.Errorf("twilio: create call: %w", err)
	}
	if call.Sid == nil {
		return CallHandle{}, errors.New("twilio: create call: response missing SID")
	}

	status := types.StatusInitiating
	if call.Status != nil {
		status = MapStatus(*call.Status)
	}
	return CallHandle{SID: *call.Sid, Status: status}, nil
}

// Hangup terminates an in-flight call by updating its status to completed.
func (c *Client) Hangup(_ context.Context, sid string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.rest.Api.UpdateCall(sid, params); err != nil {
		return fmt.Errorf("twilio: hang up %s: %w", sid, err)
	}
	return nil
}

// FetchStatus queries the carrier for the current status of a call. Used by
// the reconciliation loop to catch missed status callbacks.
func (c *Client) FetchStatus(_ context.Context, sid string) (types.CallStatus, error) {
	call, err := c.rest.Api.FetchCall(sid, &api.FetchCallParams{})
	if err != nil {
		return "", fmt.Errorf("twilio: fetch call %s: %w", sid, err)
	}
	if call.Status == nil {
		return "", fmt.Errorf("twilio: fetch call %s: response missing status", sid)
	}
	return MapStatus(*call.Status), nil
}

// MapStatus maps a Twilio call status string to the domain status.
func MapStatus(twilioStatus string) types.CallStatus {
	switch twilioStatus {
	case "queued", "initiated":
		return types.StatusInitiating
	case "ringing":
		return types.StatusRinging
	case "in-progress", "answered":
		return types.StatusInProgress
	case "completed":
		return types.StatusCompleted
	case "busy":
		return types.StatusBusy
	case "no-answer":
		return types.StatusNoAnswer
	case "canceled":
		return types.StatusCanceled
	default:
		return types.StatusFailed
	}
}

// ValidateSignature verifies the X-Twilio-Signature header of a webhook
// request against the full request URL and POST form parameters.
func (c *Client) ValidateSignature(signature, url string, params map[string]string) bool {
	return c.validator.Validate(url, params, signature)
}

// ─── recordings ───

// Recording describes one call recording stored at the carrier.
type Recording struct {
	SID      string
	CallSID  string
	Duration string
	Created  string
}

// FetchRecordings lists the recordings of a call.
func (c *Client) FetchRecordings(_ context.Context, callSID string) ([]Recording, error) {
	params := &api.ListRecordingParams{}
	params.SetCallSid(callSID)

	recs, err := c.rest.Api.ListRecording(params)
	if err != nil {
		return nil, fmt.Errorf("twilio: list recordings for %s: %w", callSID, err)
	}

	out := make([]Recording, 0, len(recs))
	for _, r := range recs {
		rec := Recording{CallSID: callSID}
		if r.Sid != nil {
			rec.SID = *r.Sid
		}
		if r.Duration != nil {
			rec.Duration = *r.Duration
		}
		if r.DateCreated != nil {
			rec.Created = *r.DateCreated
		}
		out = append(out, rec)
	}
	return out, nil
}

// DownloadRecording streams the WAV media of a recording. The caller must
// close the returned reader.
func (c *Client) DownloadRecording(ctx context.Context, recordingSID string) (io.ReadCloser, error) {
	url := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Recordings/%s.wav",
		c.accountSID, recordingSID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: build recording request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: download recording %s: %w", recordingSID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("twilio: download recording %s: unexpected status %d", recordingSID, resp.StatusCode)
	}
	return resp.Body, nil
}

// ─── preflight ───

// VerifyAccount checks that the account credentials are valid by fetching the
// account balance.
func (c *Client) VerifyAccount(_ context.Context) error {
	if _, err := c.rest.Api.FetchBalance(&api.FetchBalanceParams{}); err != nil {
		return fmt.Errorf("twilio: verify account: %w", err)
	}
	return nil
}

// VerifyFromNumber checks that the configured from-number belongs to the
// account.
func (c *Client) VerifyFromNumber(_ context.Context) error {
	params := &api.ListIncomingPhoneNumberParams{}
	params.SetPhoneNumber(c.fromNumber)

	nums, err := c.rest.Api.ListIncomingPhoneNumber(params)
	if err != nil {
		return fmt.Errorf("twilio: verify from-number: %w", err)
	}
	if len(nums) == 0 {
		return fmt.Errorf("twilio: from-number %s is not owned by account %s", c.fromNumber, c.accountSID)
	}
	return nil
}

// ─── TwiML ───

// VoiceTwiML builds the TwiML answer document that bridges the call to the
// media-stream WebSocket. The stream is restricted to the inbound track so
// the agent's own playback never arrives back as media frames.
func (c *Client) VoiceTwiML(callID string) (string, error) {
	return VoiceTwiML(c.publicURL, callID)
}

// VoiceTwiML builds the media-stream TwiML for the given server base URL.
func VoiceTwiML(publicURL, callID string) (string, error) {
	wsURL := websocketURL(publicURL) + "/twilio/media"

	stream := &twiml.VoiceStream{
		Url:   wsURL,
		Track: "inbound_track",
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "callId", Value: callID},
		},
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	doc, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("twilio: build voice twiml: %w", err)
	}
	return doc, nil
}

// ErrorTwiML builds a TwiML document that speaks msg and hangs up. Served
// when a voice webhook arrives for an unknown or dead call.
func ErrorTwiML(msg string) (string, error) {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: msg},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return "", fmt.Errorf("twilio: build error twiml: %w", err)
	}
	return doc, nil
}

// websocketURL rewrites an http(s) base URL to the ws(s) scheme.
func websocketURL(base string) string {
	switch {
	case len(base) >= 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) >= 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	default:
		return base
	}
}
