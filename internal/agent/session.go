package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GreetingState tracks the absorbing pending -> in_progress -> done machine.
type GreetingState int

const (
	GreetingPending GreetingState = iota
	GreetingInProgress
	GreetingDone
)

// Role tags a conversation history entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one tagged entry in a session's conversation history.
type Turn struct {
	Role Role
	Text string
}

// Session is the per-call state holder. All mutation is guarded by mu so the
// WS-frame-reading owner goroutine and the turn-pipeline goroutine it spawns
// per turn can safely touch it concurrently.
type Session struct {
	mu sync.Mutex

	callID           string
	streamSID        string
	sampleRate       int
	customParameters map[string]string
	language         string
	voice            string

	inboundBuffer []byte
	history       []Turn

	sequenceNumber int64
	isActive       bool
	greetingState  GreetingState
	processingTurn bool
	bargeInPending bool

	createdAt   time.Time
	lastMediaAt time.Time
}

// NewSession constructs a Session for a newly accepted carrier connection.
func NewSession(callID string, sampleRate int) *Session {
	now := time.Now()
	return &Session{
		callID:      callID,
		sampleRate:  sampleRate,
		isActive:    true,
		language:    "en",
		createdAt:   now,
		lastMediaAt: now,
	}
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// SetStreamSID pins the stream_sid the first time it becomes known. Per the
// invariant it is immutable once set; subsequent calls are no-ops.
func (s *Session) SetStreamSID(sid string) {
	if sid == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamSID == "" {
		s.streamSID = sid
	}
}

func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// SetCustomParameters stores the parameters supplied at start, if not already set.
func (s *Session) SetCustomParameters(params map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.customParameters) > 0 {
		return
	}
	s.customParameters = params
	if lang, ok := params["language"]; ok && lang != "" {
		s.language = lang
	}
	if voice, ok := params["voice"]; ok && voice != "" {
		s.voice = voice
	}
}

func (s *Session) CustomParameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customParameters
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// IsActive reports whether the session still accepts inbound audio.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// Deactivate marks the session inactive; no further inbound audio is buffered.
func (s *Session) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isActive = false
}

// AppendInboundPCM appends pcm to the inbound buffer unless the session is
// inactive, and reports the buffer's new size in bytes.
func (s *Session) AppendInboundPCM(pcm []byte) (newSize int, appended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isActive {
		return len(s.inboundBuffer), false
	}
	s.inboundBuffer = append(s.inboundBuffer, pcm...)
	s.lastMediaAt = time.Now()
	return len(s.inboundBuffer), true
}

// LastMediaAt reports when inbound media was last appended (or, if none ever
// arrived, when the session was created), for idle-session reaping.
func (s *Session) LastMediaAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMediaAt
}

// InboundBufferSize returns the current inbound buffer size without clearing it.
func (s *Session) InboundBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inboundBuffer)
}

// SnapshotAndClearInbound returns a copy of the buffered inbound PCM and
// resets the buffer to empty, for turn processing.
func (s *Session) SnapshotAndClearInbound() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.inboundBuffer
	s.inboundBuffer = nil
	return snap
}

// TurnThresholdBytes is the byte count that triggers turn processing:
// sample_rate * 2 bytes/sample * 2 seconds.
func (s *Session) TurnThresholdBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate * 2 * 2
}

// TryBeginTurn atomically checks and sets the processing_turn gate, returning
// true if this caller now owns turn processing.
func (s *Session) TryBeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processingTurn {
		return false
	}
	s.processingTurn = true
	return true
}

// EndTurn releases the processing_turn gate.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processingTurn = false
}

// SetBargeInPending records a carrier clear event.
func (s *Session) SetBargeInPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bargeInPending = true
}

// ConsumeBargeInPending reads and clears the barge-in flag in one step.
func (s *Session) ConsumeBargeInPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.bargeInPending
	s.bargeInPending = false
	return pending
}

// IsBargeInPending polls the flag without clearing it, for mid-stream checks.
func (s *Session) IsBargeInPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInPending
}

// GreetingState returns the current greeting state.
func (s *Session) GreetingState() GreetingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greetingState
}

// BeginGreeting transitions pending -> in_progress, returning false if the
// greeting was not pending (already in progress or done).
func (s *Session) BeginGreeting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingState != GreetingPending {
		return false
	}
	s.greetingState = GreetingInProgress
	return true
}

// CompleteGreeting transitions in_progress -> done (absorbing).
func (s *Session) CompleteGreeting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greetingState = GreetingDone
}

// RevertGreeting transitions in_progress -> pending, used only when the
// greeting failed before any audio was sent.
func (s *Session) RevertGreeting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingState == GreetingInProgress {
		s.greetingState = GreetingPending
	}
}

// NextSequenceNumber allocates the next strictly-monotonic outbound sequence number.
func (s *Session) NextSequenceNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.sequenceNumber
	s.sequenceNumber++
	return n
}

// History returns a copy of the conversation history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// AppendUser appends a user turn to the history.
func (s *Session) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: RoleUser, Text: text})
}

// AppendAssistant appends an assistant turn to the history.
func (s *Session) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: RoleAssistant, Text: text})
}

// EnsureSystemMessage builds the system prompt and inserts it as the first
// history entry (if absent) or replaces the existing persona system entry
// (the one without a "Relevant context" prefix) otherwise. If custom
// parameters were supplied it builds the prompt from the template in
// BuildPersonaPrompt; else it fetches the persona document via kb.
func (s *Session) EnsureSystemMessage(ctx context.Context, kb KnowledgeBase) error {
	s.mu.Lock()
	params := s.customParameters
	s.mu.Unlock()

	var prompt string
	if len(params) > 0 {
		prompt = BuildPersonaPrompt(params)
	} else {
		p, err := kb.LoadPersona(ctx, "")
		if err != nil {
			return fmt.Errorf("agent: ensure system message: %w", err)
		}
		prompt = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, t := range s.history {
		if t.Role == RoleSystem && !strings.HasPrefix(t.Text, "Relevant context:") {
			s.history[i] = Turn{Role: RoleSystem, Text: prompt}
			replaced = true
			break
		}
	}
	if !replaced {
		s.history = append([]Turn{{Role: RoleSystem, Text: prompt}}, s.history...)
	}
	return nil
}

// BuildPersonaPrompt renders the persona template from custom parameters
// (spec §4.6). Omitted fields drop their clause.
func BuildPersonaPrompt(params map[string]string) string {
	name := params["persona_name"]
	age := params["persona_age"]
	tone := params["tone"]
	gender := params["gender"]
	city := params["city"]
	language := params["language"]
	documents := params["documents"]
	customerName := params["customer_name"]

	var b strings.Builder
	b.WriteString(fmt.Sprintf("You are %s, %s years old, a %s %s from %s.", name, age, tone, gender, city))
	b.WriteString("\n\n")

	if strings.Contains(strings.ToLower(language), "hindi") || strings.EqualFold(language, "hi") {
		b.WriteString("Baat karo Hinglish mein (mix of Hindi and English).")
	} else if language != "" {
		b.WriteString(fmt.Sprintf("Speak in %s.", language))
	} else {
		b.WriteString("Speak in English.")
	}

	if documents != "" {
		b.WriteString("\n\nSirf in documents se jawab do:\n")
		b.WriteString(documents)
		b.WriteString("\n")
	}
	if customerName != "" {
		b.WriteString("\n\nCustomer ka naam: ")
		b.WriteString(customerName)
		b.WriteString("\n")
	}
	return b.String()
}
