package speechwire

import (
	"context"

	"github.com/voxa-labs/speechwire/pkg/core"
	"github.com/voxa-labs/speechwire/pkg/protocol"
)

// SpeechRecognizer is the speech-to-text scenario: it understands the
// hypothesis, fragment, and phrase paths on top of the engine's common
// dispatch.
type SpeechRecognizer struct {
	*Recognizer
}

// NewSpeechRecognizer builds a speech-to-text recognizer over source.
func NewSpeechRecognizer(processCfg *ProcessConfig, config *RecognizerConfig, auth AuthProvider, factory ConnectionFactory, source AudioSource, callbacks RecognizerCallbacks, sink EventSink) *SpeechRecognizer {
	sr := &SpeechRecognizer{}
	behavior := SessionBehavior{
		ProcessMessage:    sr.processMessage,
		CancelRecognition: sr.cancelRecognition,
	}
	sr.Recognizer = NewRecognizer(processCfg, config, auth, factory, source, behavior, callbacks, sink)
	if config.OutputFormat == OutputDetailed {
		sr.Context().SetDetailedOutputFormat()
	}
	return sr
}

func (sr *SpeechRecognizer) processMessage(ctx context.Context, msg *protocol.Message) (bool, error) {
	switch msg.Path {
	case protocol.PathSpeechHypothesis, protocol.PathSpeechFragment:
		return true, sr.onHypothesis(msg)
	case protocol.PathSpeechPhrase:
		return true, sr.onPhrase(ctx, msg)
	default:
		return false, nil
	}
}

func (sr *SpeechRecognizer) onHypothesis(msg *protocol.Message) error {
	hypothesis, err := parseJSON[SpeechHypothesis](msg.Body)
	if err != nil {
		return nil
	}
	offset := hypothesis.Offset + sr.session.CurrentTurnAudioOffset()
	sr.session.OnHypothesis(offset)

	result := &RecognitionResult{
		ResultID: sr.session.RequestID(),
		Reason:   ReasonRecognizingSpeech,
		Text:     hypothesis.Text,
		Offset:   offset,
		Duration: hypothesis.Duration,
		JSON:     msg.TextBody(),
	}
	if hypothesis.PrimaryLanguage != nil {
		result.Language = hypothesis.PrimaryLanguage.Language
	}

	if sr.callbacks.Recognizing != nil {
		sr.invokeUserCallback(func() {
			sr.callbacks.Recognizing(SpeechRecognitionEventArgs{
				SessionID: sr.session.SessionID(),
				Offset:    offset,
				Result:    result,
			})
		})
	}
	return nil
}

func (sr *SpeechRecognizer) onPhrase(ctx context.Context, msg *protocol.Message) error {
	simple, err := parseJSON[SimpleSpeechPhrase](msg.Body)
	if err != nil {
		return nil
	}

	turnOffset := sr.session.CurrentTurnAudioOffset()
	sr.session.OnPhraseRecognized(turnOffset + simple.Offset + simple.Duration)

	reason := resultReasonForStatus(simple.RecognitionStatus)
	if reason == ReasonCanceled {
		sr.cancelRecognitionLocal(ctx, core.CancellationError,
			cancellationForStatus(simple.RecognitionStatus), "")
		return nil
	}

	if simple.RecognitionStatus == StatusEndOfDictation {
		return nil
	}

	result, err := sr.buildPhraseResult(msg, simple, reason, turnOffset)
	if err != nil {
		return nil
	}

	if sr.callbacks.Recognized != nil {
		sr.invokeUserCallback(func() {
			sr.callbacks.Recognized(SpeechRecognitionEventArgs{
				SessionID: sr.session.SessionID(),
				Offset:    result.Offset,
				Result:    result,
			})
		})
	}
	if cb := sr.takeSuccessCallback(); cb != nil {
		sr.invokeUserCallback(func() { cb(result) })
	}
	return nil
}

func (sr *SpeechRecognizer) buildPhraseResult(msg *protocol.Message, simple SimpleSpeechPhrase, reason ResultReason, turnOffset uint64) (*RecognitionResult, error) {
	result := &RecognitionResult{
		ResultID: sr.session.RequestID(),
		Reason:   reason,
		Text:     simple.DisplayText,
		Offset:   simple.Offset + turnOffset,
		Duration: simple.Duration,
		JSON:     msg.TextBody(),
	}
	if simple.PrimaryLanguage != nil {
		result.Language = simple.PrimaryLanguage.Language
	}

	if sr.config.OutputFormat == OutputDetailed {
		detailed, err := parseJSON[DetailedSpeechPhrase](msg.Body)
		if err != nil {
			return nil, err
		}
		corrected, err := detailed.WithCorrectedOffsets(turnOffset)
		if err != nil {
			return nil, err
		}
		result.JSON = corrected
		if len(detailed.NBest) > 0 {
			result.Text = detailed.NBest[0].Display
		}
	}
	return result, nil
}

func (sr *SpeechRecognizer) cancelRecognition(sessionID, requestID string, reason core.CancellationReason, code core.CancellationErrorCode, details string) {
	if sr.callbacks.Canceled != nil {
		sr.invokeUserCallback(func() {
			sr.callbacks.Canceled(CancellationEventArgs{
				SessionID:    sessionID,
				RequestID:    requestID,
				Reason:       reason,
				ErrorCode:    code,
				ErrorDetails: details,
			})
		})
	}
	// A pending single-shot call resolves with the canceled result rather
	// than hanging.
	if cb := sr.takeSuccessCallback(); cb != nil {
		sr.invokeUserCallback(func() {
			cb(&RecognitionResult{
				ResultID:     requestID,
				Reason:       ReasonCanceled,
				ErrorDetails: details,
			})
		})
	}
}
