// Package calls places outbound calls through Twilio and builds the TwiML
// that connects an accepted call to the carrier WS media stream.
package calls

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// Service places outbound calls and answers Twilio's webhook with TwiML that
// hands the call's media off to the carrier WS gateway. Grounded on the
// teacher's internal/usecase/twilio.go REST-call/TwiML-building service,
// generalized from "record this call" to "place this call and stream it".
type Service struct {
	accountSID string
	client     *twilio.RestClient
	baseURL    string
	wsPath     string
}

func NewService(accountSID, authToken, baseURL, wsPath string) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Service{
		accountSID: accountSID,
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		wsPath:     wsPath,
	}
}

// MissingKeys reports which of the outbound-call collaborator's required
// config keys are unset, for the trigger route's 400 response.
func (s *Service) MissingKeys(authToken string) []string {
	var missing []string
	if s.accountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if authToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if s.baseURL == "" {
		missing = append(missing, "PUBLIC_BASE_URL")
	}
	return missing
}

// PlaceCall originates an outbound call from `from` to `to`. Twilio will
// fetch TwiML from the voice webhook once the call connects.
func (s *Service) PlaceCall(to, from string) (callSID string, err error) {
	params := &twilioApi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(s.baseURL + "/twilio/voice")

	resp, err := s.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("calls: create call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("calls: create call: no SID returned")
	}
	return *resp.Sid, nil
}

// BuildStreamTwiML renders the <Connect><Stream> document that hands a call's
// audio off to the carrier WS gateway, with callSID and any greeting passed
// through as custom parameters. Built on twiml.Voice/VoiceConnect/VoiceStream,
// the same builder the teacher uses for its own TwiML (VoiceSay/VoiceGather/
// VoiceRedirect), rather than a hand-rolled XML template.
func (s *Service) BuildStreamTwiML(callSID, greeting string) (string, error) {
	scheme := "wss"
	host := strings.TrimPrefix(strings.TrimPrefix(s.baseURL, "https://"), "http://")
	if strings.HasPrefix(s.baseURL, "http://") {
		scheme = "ws"
	}
	streamURL := fmt.Sprintf("%s://%s%s", scheme, host, s.wsPath)

	var streamParams []twiml.Element
	if greeting != "" {
		streamParams = append(streamParams, &twiml.VoiceParameter{Name: "greeting", Value: greeting})
	}
	if callSID != "" {
		streamParams = append(streamParams, &twiml.VoiceParameter{Name: "call_id", Value: callSID})
	}

	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: streamParams}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("calls: build stream twiml: %w", err)
	}
	return response, nil
}
