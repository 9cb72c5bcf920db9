package speechwire

import (
	"sync"
	"testing"
)

func newTestConversation(callbacks ConversationCallbacks) *ConversationAdapter {
	cfg := &RecognizerConfig{Endpoint: "wss://transcribe.test/conversation", Continuous: true}
	return NewConversationAdapter(testProcessConfig(), cfg, SubscriptionKeyAuth{Key: "key"}, &fakeFactory{}, nil, callbacks, nil)
}

func TestConversationParticipantsList(t *testing.T) {
	var got ParticipantsList
	c := newTestConversation(ConversationCallbacks{
		ParticipantsListReceived: func(list ParticipantsList) { got = list },
	})
	defer c.Dispose("")

	c.dispatchConversationMessage([]byte(`{
		"type": "command",
		"command": "ParticipantList",
		"roomid": "room-1",
		"token": "session-token",
		"translateTo": ["de", "fr"],
		"profanityFilter": "masked",
		"roomLocked": true,
		"muteAll": false,
		"participants": [
			{"participantId": "p1", "nickname": "Ada", "ishost": true, "ismuted": false, "usetts": true, "locale": "en-US"},
			{"participantId": "p2", "nickname": "Lin", "ishost": false, "ismuted": true, "usetts": false, "locale": "zh-CN"}
		]
	}`))

	if got.RoomID != "room-1" || got.SessionToken != "session-token" {
		t.Fatalf("room fields = %+v", got)
	}
	if !got.RoomLocked || got.MuteAll {
		t.Fatalf("room flags = %+v", got)
	}
	if len(got.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(got.Participants))
	}
	if got.Participants[0].ID != "p1" || !got.Participants[0].IsHost || !got.Participants[0].UsesTTS {
		t.Fatalf("first participant = %+v", got.Participants[0])
	}
	if got.Participants[1].Locale != "zh-CN" || !got.Participants[1].IsMuted {
		t.Fatalf("second participant = %+v", got.Participants[1])
	}
}

func TestConversationCommands(t *testing.T) {
	var mu sync.Mutex
	events := map[string]any{}
	record := func(key string, value any) {
		mu.Lock()
		defer mu.Unlock()
		events[key] = value
	}
	c := newTestConversation(ConversationCallbacks{
		TranslateLanguagesUpdated: func(langs []string) { record("languages", langs) },
		ProfanityFilterUpdated:    func(filter string) { record("profanity", filter) },
		MuteAllUpdated:            func(muted bool) { record("muteall", muted) },
		LockStateUpdated:          func(locked bool) { record("lock", locked) },
		RoomExpirationWarning:     func(minutes int) { record("expiry", minutes) },
		AuthorizationTokenUpdated: func(token, region string) { record("token", token+"/"+region) },
		ParticipantAttributeUpdated: func(id, attr string, value any) {
			record("attr:"+id+":"+attr, value)
		},
		ParticipantJoined: func(p Participant) { record("joined", p.ID) },
		ParticipantLeft:   func(id string) { record("left", id) },
	})
	defer c.Dispose("")

	c.dispatchConversationMessage([]byte(`{"type":"command","command":"SetTranslateToLanguages","value":["ja","es"]}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"SetProfanityFiltering","value":"raw"}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"SetMuteAll","value":true}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"SetLockState","value":"true"}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"RoomExpirationWarning","value":10}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"Token","token":"tok","region":"westus"}`))
	c.dispatchConversationMessage([]byte(`{"type":"participant_command","command":"SetMute","participantId":"p7","value":true}`))
	c.dispatchConversationMessage([]byte(`{"type":"participant_command","command":"ChangeNickname","participantId":"p7","nickname":"Grace"}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"JoinSession","participantId":"p9","nickname":"Ida","locale":"sv-SE"}`))
	c.dispatchConversationMessage([]byte(`{"type":"command","command":"LeaveSession","participantId":"p9"}`))

	mu.Lock()
	defer mu.Unlock()
	if langs, _ := events["languages"].([]string); len(langs) != 2 || langs[0] != "ja" {
		t.Fatalf("languages = %v", events["languages"])
	}
	if events["profanity"] != "raw" {
		t.Fatalf("profanity = %v", events["profanity"])
	}
	if events["muteall"] != true {
		t.Fatalf("muteall = %v", events["muteall"])
	}
	if events["lock"] != true {
		t.Fatalf("lock (string value) = %v", events["lock"])
	}
	if events["expiry"] != 10 {
		t.Fatalf("expiry = %v", events["expiry"])
	}
	if events["token"] != "tok/westus" {
		t.Fatalf("token = %v", events["token"])
	}
	if events["attr:p7:ismuted"] != true {
		t.Fatalf("mute attr = %v", events["attr:p7:ismuted"])
	}
	if events["attr:p7:nickname"] != "Grace" {
		t.Fatalf("nickname attr = %v", events["attr:p7:nickname"])
	}
	if events["joined"] != "p9" || events["left"] != "p9" {
		t.Fatalf("join/leave = %v / %v", events["joined"], events["left"])
	}
}

func TestConversationEmptyFinalSuppressed(t *testing.T) {
	var mu sync.Mutex
	var finals []string
	c := newTestConversation(ConversationCallbacks{
		Recognized: func(args ConversationRecognitionArgs) {
			mu.Lock()
			finals = append(finals, args.UtteranceID)
			mu.Unlock()
		},
	})
	defer c.Dispose("")

	// An empty final with no matching partial is dropped.
	c.dispatchConversationMessage([]byte(`{"type":"final","id":"u1","recognition":""}`))

	// A partial registers its utterance id; the empty final for that id is
	// delivered so the utterance gets closed out.
	c.dispatchConversationMessage([]byte(`{"type":"partial","id":"u2","recognition":"hel"}`))
	c.dispatchConversationMessage([]byte(`{"type":"final","id":"u2","recognition":""}`))

	// Non-empty finals always pass.
	c.dispatchConversationMessage([]byte(`{"type":"final","id":"u3","recognition":"hello there"}`))

	mu.Lock()
	defer mu.Unlock()
	if len(finals) != 2 || finals[0] != "u2" || finals[1] != "u3" {
		t.Fatalf("finals = %v, want [u2 u3]", finals)
	}
}

func TestConversationSpeechAndInstantMessages(t *testing.T) {
	var mu sync.Mutex
	var partial ConversationRecognitionArgs
	var message ConversationMessageArgs
	c := newTestConversation(ConversationCallbacks{
		Recognizing:     func(args ConversationRecognitionArgs) { mu.Lock(); partial = args; mu.Unlock() },
		MessageReceived: func(args ConversationMessageArgs) { mu.Lock(); message = args; mu.Unlock() },
	})
	defer c.Dispose("")

	c.dispatchConversationMessage([]byte(`{
		"type": "partial", "id": "u5", "participantId": "p1", "nickName": "Ada",
		"recognition": "guten tag", "language": "de-DE",
		"translations": [{"lang": "en", "translation": "good day"}]
	}`))
	c.dispatchConversationMessage([]byte(`{
		"type": "translated_message", "participantId": "p2", "nickName": "Lin",
		"originalText": "hello", "language": "en",
		"translations": [{"lang": "de", "translation": "hallo"}]
	}`))

	mu.Lock()
	defer mu.Unlock()
	if partial.Text != "guten tag" || partial.IsFinal || partial.Translations["en"] != "good day" {
		t.Fatalf("partial = %+v", partial)
	}
	if message.Text != "hello" || message.Translations["de"] != "hallo" {
		t.Fatalf("message = %+v", message)
	}
}
