package speechwire

import (
	"context"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/voxa-labs/speechwire/pkg/core"
	"github.com/voxa-labs/speechwire/pkg/protocol"
	"github.com/voxa-labs/speechwire/pkg/transport"
)

// Participant is one member of a multi-party conversation.
type Participant struct {
	ID       string
	Nickname string
	Avatar   string
	Locale   string
	IsHost   bool
	IsMuted  bool
	UsesTTS  bool
}

// ParticipantsList is the room snapshot sent when joining.
type ParticipantsList struct {
	RoomID          string
	SessionToken    string
	TranslateTo     []string
	ProfanityFilter string
	RoomLocked      bool
	MuteAll         bool
	Participants    []Participant
}

// ConversationRecognitionArgs accompanies partial and final utterances.
type ConversationRecognitionArgs struct {
	UtteranceID   string
	ParticipantID string
	Nickname      string
	Text          string
	Language      string
	IsFinal       bool
	Translations  map[string]string
}

// ConversationMessageArgs accompanies instant (translated) text messages.
type ConversationMessageArgs struct {
	ParticipantID string
	Nickname      string
	Text          string
	Language      string
	Translations  map[string]string
}

// ConversationCallbacks is the user-facing event surface of a conversation.
type ConversationCallbacks struct {
	SessionStarted              func(SessionEventArgs)
	SessionStopped              func(SessionEventArgs)
	InfoReceived                func(command string)
	ParticipantsListReceived    func(ParticipantsList)
	ParticipantJoined           func(Participant)
	ParticipantLeft             func(participantID string)
	ParticipantAttributeUpdated func(participantID, attribute string, value any)
	TranslateLanguagesUpdated   func(languages []string)
	ProfanityFilterUpdated      func(filter string)
	RoomExpirationWarning       func(minutesLeft int)
	LockStateUpdated            func(locked bool)
	MuteAllUpdated              func(muted bool)
	AuthorizationTokenUpdated   func(token, region string)
	Recognizing                 func(ConversationRecognitionArgs)
	Recognized                  func(ConversationRecognitionArgs)
	MessageReceived             func(ConversationMessageArgs)
	Canceled                    func(CancellationEventArgs)
}

type conversationBaseMessage struct {
	Type string `json:"type"`
}

type conversationCommandPayload struct {
	Type          string          `json:"type"`
	Command       string          `json:"command"`
	ID            string          `json:"id"`
	Nickname      string          `json:"nickname"`
	ParticipantID string          `json:"participantId"`
	Avatar        string          `json:"avatar"`
	IsHost        bool            `json:"ishost"`
	IsMuted       bool            `json:"ismuted"`
	UsesTTS       bool            `json:"usetts"`
	Locale        string          `json:"locale"`
	Value         json.RawMessage `json:"value"`
	Token         string          `json:"token"`
	Region        string          `json:"region"`
}

type conversationParticipantJSON struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Avatar        string `json:"avatar"`
	Locale        string `json:"locale"`
	IsHost        bool   `json:"ishost"`
	IsMuted       bool   `json:"ismuted"`
	UsesTTS       bool   `json:"usetts"`
}

func (p conversationParticipantJSON) participant() Participant {
	return Participant{
		ID:       p.ParticipantID,
		Nickname: p.Nickname,
		Avatar:   p.Avatar,
		Locale:   p.Locale,
		IsHost:   p.IsHost,
		IsMuted:  p.IsMuted,
		UsesTTS:  p.UsesTTS,
	}
}

type conversationParticipantsListPayload struct {
	RoomID          string                        `json:"roomid"`
	Token           string                        `json:"token"`
	TranslateTo     []string                      `json:"translateTo"`
	ProfanityFilter string                        `json:"profanityFilter"`
	RoomLocked      bool                          `json:"roomLocked"`
	MuteAll         bool                          `json:"muteAll"`
	Participants    []conversationParticipantJSON `json:"participants"`
}

type conversationTranslationItem struct {
	Lang        string `json:"lang"`
	Translation string `json:"translation"`
}

type conversationSpeechPayload struct {
	ID            string                        `json:"id"`
	Nickname      string                        `json:"nickName"`
	ParticipantID string                        `json:"participantId"`
	Recognition   string                        `json:"recognition"`
	Language      string                        `json:"language"`
	Translations  []conversationTranslationItem `json:"translations"`
}

type conversationTextPayload struct {
	ID            string                        `json:"id"`
	Nickname      string                        `json:"nickName"`
	ParticipantID string                        `json:"participantId"`
	OriginalText  string                        `json:"originalText"`
	Language      string                        `json:"language"`
	Translations  []conversationTranslationItem `json:"translations"`
}

func translationMap(items []conversationTranslationItem) map[string]string {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		out[item.Lang] = item.Translation
	}
	return out
}

// ConversationAdapter keeps a persistent multi-party conversation session
// over the recognizer's connection plumbing. Instead of turn-driven
// recognition it runs a message loop that dispatches room commands,
// utterances, and instant messages until told to stop.
type ConversationAdapter struct {
	*Recognizer
	callbacks ConversationCallbacks

	convMu               sync.Mutex
	terminateMessageLoop bool
	lastPartialUtterance string
}

// NewConversationAdapter builds a conversation adapter. The audio source
// may be nil when the client only listens.
func NewConversationAdapter(processCfg *ProcessConfig, config *RecognizerConfig, auth AuthProvider, factory ConnectionFactory, source AudioSource, callbacks ConversationCallbacks, sink EventSink) *ConversationAdapter {
	if source == nil {
		source = NewPushAudioSource(nil)
	}
	c := &ConversationAdapter{callbacks: callbacks}
	behavior := SessionBehavior{
		ProcessMessage:    c.processMessage,
		CancelRecognition: c.cancelRecognition,
		// The conversation handshake carries no speech.config or
		// speech.context documents.
		ConfigureConnection: func(context.Context, transport.Connection) error { return nil },
		// Conversations are not turn-driven; recognition starts are a no-op.
		Recognize: func(context.Context, func(*RecognitionResult), func(error)) error { return nil },
		OnDisconnect: func(context.Context) error {
			c.setTerminate()
			return nil
		},
	}
	c.Recognizer = NewRecognizer(processCfg, config, auth, factory, source, behavior, RecognizerCallbacks{}, sink)
	return c
}

func (c *ConversationAdapter) setTerminate() {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	c.terminateMessageLoop = true
}

func (c *ConversationAdapter) terminated() bool {
	c.convMu.Lock()
	defer c.convMu.Unlock()
	return c.terminateMessageLoop
}

// StartMessageLoop connects and begins dispatching conversation messages.
func (c *ConversationAdapter) StartMessageLoop(ctx context.Context) error {
	c.convMu.Lock()
	c.terminateMessageLoop = false
	c.convMu.Unlock()

	c.session.StartNewRecognition()
	if _, err := c.fetchConnection(ctx); err != nil {
		c.cancelRecognitionLocal(ctx, core.CancellationError, core.ErrConnectionFailure, err.Error())
		return err
	}
	if c.callbacks.SessionStarted != nil {
		c.invokeUserCallback(func() {
			c.callbacks.SessionStarted(SessionEventArgs{SessionID: c.session.SessionID()})
		})
	}
	go c.messageLoop()
	return nil
}

// StopMessageLoop ends the loop and drops the connection.
func (c *ConversationAdapter) StopMessageLoop(ctx context.Context) error {
	c.setTerminate()
	err := c.Disconnect(ctx)
	if c.callbacks.SessionStopped != nil {
		c.invokeUserCallback(func() {
			c.callbacks.SessionStopped(SessionEventArgs{SessionID: c.session.SessionID()})
		})
	}
	return err
}

func (c *ConversationAdapter) messageLoop() {
	for {
		if c.isDisposed() || c.terminated() {
			return
		}
		conn, err := c.fetchConnection(c.ctx)
		if err != nil {
			if !c.terminated() {
				c.cancelRecognitionLocal(c.ctx, core.CancellationError, core.ErrConnectionFailure, err.Error())
			}
			return
		}
		msg, err := conn.Read(c.ctx)
		if err != nil {
			if c.terminated() || c.isDisposed() {
				return
			}
			// Dropped connection: loop around and let fetchConnection redial.
			continue
		}
		if msg == nil || msg.Type != protocol.TextMessage {
			continue
		}
		c.dispatchConversationMessage(msg.Body)
	}
}

func (c *ConversationAdapter) processMessage(ctx context.Context, msg *protocol.Message) (bool, error) {
	if msg.Type != protocol.TextMessage {
		return false, nil
	}
	c.dispatchConversationMessage(msg.Body)
	return true, nil
}

func (c *ConversationAdapter) dispatchConversationMessage(body []byte) {
	base, err := parseJSON[conversationBaseMessage](body)
	if err != nil {
		return
	}
	switch strings.ToLower(base.Type) {
	case "info":
		payload, err := parseJSON[conversationCommandPayload](body)
		if err != nil {
			return
		}
		if c.callbacks.InfoReceived != nil {
			c.invokeUserCallback(func() { c.callbacks.InfoReceived(payload.Command) })
		}

	case "command", "participant_command":
		payload, err := parseJSON[conversationCommandPayload](body)
		if err != nil {
			return
		}
		c.dispatchCommand(body, payload)

	case "partial":
		payload, err := parseJSON[conversationSpeechPayload](body)
		if err != nil {
			return
		}
		if payload.Recognition != "" {
			c.convMu.Lock()
			c.lastPartialUtterance = payload.ID
			c.convMu.Unlock()
		}
		if c.callbacks.Recognizing != nil {
			args := speechArgs(payload, false)
			c.invokeUserCallback(func() { c.callbacks.Recognizing(args) })
		}

	case "final":
		payload, err := parseJSON[conversationSpeechPayload](body)
		if err != nil {
			return
		}
		// An empty final is noise unless it finalizes the utterance we saw
		// the last non-empty partial for.
		c.convMu.Lock()
		lastPartial := c.lastPartialUtterance
		c.convMu.Unlock()
		if payload.Recognition == "" && payload.ID != lastPartial {
			return
		}
		if c.callbacks.Recognized != nil {
			args := speechArgs(payload, true)
			c.invokeUserCallback(func() { c.callbacks.Recognized(args) })
		}

	case "translated_message":
		payload, err := parseJSON[conversationTextPayload](body)
		if err != nil {
			return
		}
		if c.callbacks.MessageReceived != nil {
			args := ConversationMessageArgs{
				ParticipantID: payload.ParticipantID,
				Nickname:      payload.Nickname,
				Text:          payload.OriginalText,
				Language:      payload.Language,
				Translations:  translationMap(payload.Translations),
			}
			c.invokeUserCallback(func() { c.callbacks.MessageReceived(args) })
		}
	}
}

func speechArgs(payload conversationSpeechPayload, isFinal bool) ConversationRecognitionArgs {
	return ConversationRecognitionArgs{
		UtteranceID:   payload.ID,
		ParticipantID: payload.ParticipantID,
		Nickname:      payload.Nickname,
		Text:          payload.Recognition,
		Language:      payload.Language,
		IsFinal:       isFinal,
		Translations:  translationMap(payload.Translations),
	}
}

func (c *ConversationAdapter) dispatchCommand(body []byte, payload conversationCommandPayload) {
	switch strings.ToLower(payload.Command) {
	case "participantlist":
		list, err := parseJSON[conversationParticipantsListPayload](body)
		if err != nil {
			return
		}
		if c.callbacks.ParticipantsListReceived != nil {
			participants := make([]Participant, len(list.Participants))
			for i, p := range list.Participants {
				participants[i] = p.participant()
			}
			args := ParticipantsList{
				RoomID:          list.RoomID,
				SessionToken:    list.Token,
				TranslateTo:     list.TranslateTo,
				ProfanityFilter: list.ProfanityFilter,
				RoomLocked:      list.RoomLocked,
				MuteAll:         list.MuteAll,
				Participants:    participants,
			}
			c.invokeUserCallback(func() { c.callbacks.ParticipantsListReceived(args) })
		}

	case "settranslatetolanguages":
		var langs []string
		if err := json.Unmarshal(payload.Value, &langs); err != nil {
			return
		}
		if c.callbacks.TranslateLanguagesUpdated != nil {
			c.invokeUserCallback(func() { c.callbacks.TranslateLanguagesUpdated(langs) })
		}

	case "setprofanityfiltering":
		if c.callbacks.ProfanityFilterUpdated != nil {
			filter := rawString(payload.Value)
			c.invokeUserCallback(func() { c.callbacks.ProfanityFilterUpdated(filter) })
		}

	case "setmute":
		if c.callbacks.ParticipantAttributeUpdated != nil {
			muted := rawBool(payload.Value)
			c.invokeUserCallback(func() {
				c.callbacks.ParticipantAttributeUpdated(payload.ParticipantID, "ismuted", muted)
			})
		}

	case "setmuteall":
		if c.callbacks.MuteAllUpdated != nil {
			muted := rawBool(payload.Value)
			c.invokeUserCallback(func() { c.callbacks.MuteAllUpdated(muted) })
		}

	case "roomexpirationwarning":
		if c.callbacks.RoomExpirationWarning != nil {
			minutes := rawInt(payload.Value)
			c.invokeUserCallback(func() { c.callbacks.RoomExpirationWarning(minutes) })
		}

	case "setusetts":
		if c.callbacks.ParticipantAttributeUpdated != nil {
			uses := rawBool(payload.Value)
			c.invokeUserCallback(func() {
				c.callbacks.ParticipantAttributeUpdated(payload.ParticipantID, "usetts", uses)
			})
		}

	case "setlockstate":
		if c.callbacks.LockStateUpdated != nil {
			locked := rawBool(payload.Value)
			c.invokeUserCallback(func() { c.callbacks.LockStateUpdated(locked) })
		}

	case "changenickname":
		if c.callbacks.ParticipantAttributeUpdated != nil {
			nickname := payload.Nickname
			if nickname == "" {
				nickname = rawString(payload.Value)
			}
			c.invokeUserCallback(func() {
				c.callbacks.ParticipantAttributeUpdated(payload.ParticipantID, "nickname", nickname)
			})
		}

	case "joinsession":
		if c.callbacks.ParticipantJoined != nil {
			joined := Participant{
				ID:       payload.ParticipantID,
				Nickname: payload.Nickname,
				Avatar:   payload.Avatar,
				Locale:   payload.Locale,
				IsHost:   payload.IsHost,
				IsMuted:  payload.IsMuted,
				UsesTTS:  payload.UsesTTS,
			}
			c.invokeUserCallback(func() { c.callbacks.ParticipantJoined(joined) })
		}

	case "leavesession", "disconnectsession":
		if c.callbacks.ParticipantLeft != nil {
			c.invokeUserCallback(func() { c.callbacks.ParticipantLeft(payload.ParticipantID) })
		}

	case "token":
		if c.callbacks.AuthorizationTokenUpdated != nil {
			c.invokeUserCallback(func() {
				c.callbacks.AuthorizationTokenUpdated(payload.Token, payload.Region)
			})
		}
	}
}

func rawBool(raw json.RawMessage) bool {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, perr := strconv.ParseBool(strings.ToLower(s))
		return perr == nil && parsed
	}
	return false
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), "\"")
}

func rawInt(raw json.RawMessage) int {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	if v, err := strconv.Atoi(rawString(raw)); err == nil {
		return v
	}
	return 0
}

func (c *ConversationAdapter) cancelRecognition(sessionID, requestID string, reason core.CancellationReason, code core.CancellationErrorCode, details string) {
	if c.callbacks.Canceled != nil {
		c.invokeUserCallback(func() {
			c.callbacks.Canceled(CancellationEventArgs{
				SessionID:    sessionID,
				RequestID:    requestID,
				Reason:       reason,
				ErrorCode:    code,
				ErrorDetails: details,
			})
		})
	}
}
