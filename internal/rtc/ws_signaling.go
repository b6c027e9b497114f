package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// realtimeWSMessage is a minimal trickle-ICE signaling envelope, offered as an
// alternative to HandleOffer's single-shot HTTP exchange for clients that
// want to start exchanging ICE candidates before gathering completes.
type realtimeWSMessage struct {
	Type          string  `json:"type"`
	Password      string  `json:"password,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades to WebSocket and performs offer/answer plus trickle
// ICE signaling: auth(optional) -> offer -> candidates..., answering with
// answer + candidates, then wiring the call into the turn pipeline exactly
// like HandleOffer does.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rtc: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if authPassword != "" && !checkAuthHeaderOrQuery(r, authPassword) {
		mt, data, err := conn.ReadMessage()
		if err != nil || mt != websocket.TextMessage {
			_ = writeWSJSON(conn, realtimeWSMessage{}, fmt.Errorf("auth required"))
			return
		}
		var m realtimeWSMessage
		if json.Unmarshal(data, &m) != nil || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			_ = writeWSJSON(conn, realtimeWSMessage{}, fmt.Errorf("unauthorized"))
			return
		}
	}

	var offerSDP string
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m realtimeWSMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				offerSDP = m.SDP
			}
		case "bye":
			return
		}
		if offerSDP != "" {
			break
		}
	}

	pcs, outTrack, cleanup, err := newPeerConnection(nil)
	if err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{}, err)
		return
	}
	defer cleanup()

	callID := generateCallID()
	pcs.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = writeWS(conn, realtimeWSMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = writeWS(conn, realtimeWSMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
	pcs.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", callID, state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateDisconnected {
			cleanup()
		}
	})
	h.attachMediaHandlers(r.Context(), callID, pcs, outTrack)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m realtimeWSMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate != "" {
					_ = pcs.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
				}
			case "bye":
				_ = pcs.Close()
				return
			}
		}
	}()

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pcs.SetRemoteDescription(remoteOffer); err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{}, err)
		return
	}
	answer, err := pcs.CreateAnswer(nil)
	if err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{}, err)
		return
	}
	if err := pcs.SetLocalDescription(answer); err != nil {
		_ = writeWSJSON(conn, realtimeWSMessage{}, err)
		return
	}
	local := pcs.LocalDescription()
	if local == nil {
		_ = writeWSJSON(conn, realtimeWSMessage{}, errors.New("no local description"))
		return
	}
	if err := writeWS(conn, realtimeWSMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] ws write answer error: %v", callID, err)
		return
	}

	for {
		time.Sleep(2 * time.Second)
		switch pcs.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
	}
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	if ah := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	return conn.WriteJSON(v)
}

func writeWSJSON(conn *websocket.Conn, base realtimeWSMessage, err error) error {
	if err != nil {
		msg := map[string]string{"type": "error", "error": err.Error()}
		return conn.WriteJSON(msg)
	}
	return conn.WriteJSON(base)
}
