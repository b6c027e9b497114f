package rtc

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/mansuri-sabit/voicebridge/internal/agent"
	"github.com/mansuri-sabit/voicebridge/internal/audio"
	"github.com/mansuri-sabit/voicebridge/internal/barge"
)

const rtcSessionSampleRate = 16000

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Handler runs the turn pipeline over local WebRTC peer connections instead
// of the carrier WS protocol, so the pipeline can be exercised without a
// telephony carrier in front of it. Handler implements agent.OutboundSink
// itself, routing by stream_sid to whichever call's paced Opus writer owns
// it, the same pattern httpserver.Gateway uses for the carrier WS path.
// Grounded on the teacher's WebRTC signaling, rewired onto agent.Pipeline.
type Handler struct {
	pipeline *agent.Pipeline

	mu    sync.RWMutex
	calls map[string]*rtcCall // by stream_sid
}

// rtcCall bundles the per-call paced writer with the local audio-cue barge-in
// engine, since WebRTC has no carrier `clear` event to signal interruption
// the way the carrier WS gateway does.
type rtcCall struct {
	paced   *OpusPacedWriter
	barge   *barge.EngineImpl
	session *agent.Session
}

func NewHandler() *Handler {
	return &Handler{calls: make(map[string]*rtcCall)}
}

// SetPipeline wires the turn pipeline after construction, breaking the
// Handler/Pipeline constructor cycle (the pipeline needs the handler as its
// OutboundSink; the handler needs the pipeline to drive each call).
func (h *Handler) SetPipeline(p *agent.Pipeline) { h.pipeline = p }

// HandleOffer accepts an SDP offer and returns an SDP answer, wiring the
// remote audio track into the turn pipeline and the pipeline's replies back
// out over a local Opus-encoded track.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	pcs, outTrack, cleanup, err := newPeerConnection(nil)
	if err != nil {
		return SessionDescription{}, err
	}

	callID := generateCallID()
	pcs.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", callID, state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateDisconnected {
			cleanup()
		}
	})
	h.attachMediaHandlers(ctx, callID, pcs, outTrack)

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pcs.SetRemoteDescription(remoteOffer); err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	answer, err := pcs.CreateAnswer(nil)
	if err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pcs)
	if err := pcs.SetLocalDescription(answer); err != nil {
		cleanup()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pcs.LocalDescription()
	if local == nil {
		cleanup()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	pcs, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pcs.Close()
		return nil, nil, nil, err
	}
	if _, err := pcs.AddTrack(outTrack); err != nil {
		_ = pcs.Close()
		return nil, nil, nil, err
	}
	var closeOnce sync.Once
	cleanup := func() { closeOnce.Do(func() { _ = pcs.Close() }) }
	return pcs, outTrack, cleanup, nil
}

// attachMediaHandlers binds the remote audio track to a Session driven by the
// shared turn pipeline, wires a barge.Engine to watch the mic for speech-over
// TTS (there is no carrier `clear` event here to signal interruption), and
// hands the pipeline's outbound frames to a local paced Opus writer.
func (h *Handler) attachMediaHandlers(ctx context.Context, callID string, pcs *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	pcs.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] opus encoder error: %v", callID, err)
			return
		}

		session := agent.NewSession(callID, rtcSessionSampleRate)
		session.SetStreamSID(callID)

		engine := barge.NewEngine(barge.DefaultWebRTCHeadset(), barge.Events{
			OnTrigger: func(time.Time, barge.Cues, []byte) {
				log.Printf("[%s] barge-in: speech detected over assistant audio", callID)
				session.SetBargeInPending()
			},
		})
		h.bindStream(callID, &rtcCall{paced: paced, barge: engine, session: session})

		dec, err := opus.NewDecoder(rtcSessionSampleRate, 1)
		if err != nil {
			log.Printf("[%s] opus decoder error: %v", callID, err)
			return
		}

		sessCtx, cancel := context.WithCancel(ctx)
		pcs.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				cancel()
				session.Deactivate()
				paced.FlushTail()
				time.AfterFunc(400*time.Millisecond, paced.Close)
				h.unbindStream(callID)
			}
		})

		go h.readRemoteAudio(sessCtx, session, engine, remote, dec)
		h.pipeline.MaybeRunGreeting(sessCtx, session)
	})
}

func (h *Handler) readRemoteAudio(ctx context.Context, session *agent.Session, engine *barge.EngineImpl, remote *webrtc.TrackRemote, dec *opus.Decoder) {
	const pcmChunkBytes = rtcSessionSampleRate * 2 / 10 // 100ms of 16-bit mono PCM
	samples := make([]int16, 1920)
	buf := make([]byte, 0, pcmChunkBytes*2)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			continue
		}
		start := len(buf)
		need := n * 2
		if cap(buf)-start < need {
			grown := make([]byte, start, start+need+pcmChunkBytes)
			copy(grown, buf)
			buf = grown
		}
		buf = buf[:start+need]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[start+i*2:start+i*2+2], uint16(samples[i]))
		}
		for len(buf) >= pcmChunkBytes {
			chunk := buf[:pcmChunkBytes]
			engine.FeedMic16k(chunk)
			if _, appended := session.AppendInboundPCM(chunk); appended {
				h.pipeline.MaybeTriggerTurn(ctx, session)
			}
			copy(buf, buf[pcmChunkBytes:])
			buf = buf[:len(buf)-pcmChunkBytes]
		}
	}
}

func (h *Handler) bindStream(streamSID string, call *rtcCall) {
	h.mu.Lock()
	h.calls[streamSID] = call
	h.mu.Unlock()
}

func (h *Handler) unbindStream(streamSID string) {
	h.mu.Lock()
	delete(h.calls, streamSID)
	h.mu.Unlock()
}

func (h *Handler) callFor(streamSID string) (*rtcCall, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.calls[streamSID]
	return c, ok
}

// SendMediaFrame implements agent.OutboundSink, resampling the pipeline's
// 16kHz PCM frames up to 48kHz before handing them to that call's paced Opus
// writer, and feeding the same audio to the barge-in engine as the TTS
// reference it needs to tell speech-over-assistant apart from echo.
func (h *Handler) SendMediaFrame(ctx context.Context, streamSID string, sequenceNumber int64, payloadBase64 string) error {
	call, ok := h.callFor(streamSID)
	if !ok {
		return nil
	}
	pcm16k, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return err
	}
	call.barge.SetSpeaking(true)
	pcm48k := audio.Resample(pcm16k, rtcSessionSampleRate, 48000)
	call.barge.FeedTTS48k(pcm48k)
	call.paced.WritePCM(pcm48k)
	return nil
}

// SendMarkFrame implements agent.OutboundSink. The only mark the pipeline
// emits is the end-of-reply marker, which is also this call's cue to stop
// watching for barge-in until the next turn starts speaking again.
func (h *Handler) SendMarkFrame(ctx context.Context, streamSID, name string) error {
	if call, ok := h.callFor(streamSID); ok {
		call.barge.SetSpeaking(false)
	}
	return nil
}

func generateCallID() string { return time.Now().Format("0102150405.000") }
