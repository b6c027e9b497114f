package httpserver

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mansuri-sabit/voicebridge/internal/calls"
)

// CallRoutes exposes the outbound-call trigger and the Twilio voice webhook
// that hands an answered call off to the carrier WS gateway via TwiML.
type CallRoutes struct {
	svc          *calls.Service
	authToken    string
	fromNumber   string
	greetingText string
}

func NewCallRoutes(svc *calls.Service, authToken, fromNumber, greetingText string) *CallRoutes {
	return &CallRoutes{svc: svc, authToken: authToken, fromNumber: fromNumber, greetingText: greetingText}
}

func (r *CallRoutes) Register(e *echo.Echo) {
	e.POST("/calls", r.placeCall)
	e.POST("/twilio/voice", r.voiceWebhook)
}

type placeCallRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
}

func (r *CallRoutes) placeCall(c echo.Context) error {
	if missing := r.svc.MissingKeys(r.authToken); len(missing) > 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "missing": missing})
	}
	var req placeCallRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.To) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "to is required"})
	}
	if !strings.HasPrefix(req.To, "+") {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "to must be in E.164 format and start with +"})
	}
	from := req.From
	if from == "" {
		from = r.fromNumber
	}
	if from == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "no from number configured"})
	}

	callSID, err := r.svc.PlaceCall(req.To, from)
	if err != nil {
		return c.JSON(http.StatusBadGateway, echo.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true, "callSid": callSID})
}

// voiceWebhook answers Twilio's call-connected request with <Connect><Stream>
// TwiML. The request is authenticated upstream by middleware.TwilioAuth.
func (r *CallRoutes) voiceWebhook(c echo.Context) error {
	callSID := c.FormValue("CallSid")
	doc, err := r.svc.BuildStreamTwiML(callSID, r.greetingText)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	return c.Blob(http.StatusOK, "text/xml", []byte(doc))
}
