package speechwire

import (
	json "github.com/goccy/go-json"

	"github.com/voxa-labs/speechwire/pkg/core"
)

// RecognitionStatus is the service's verdict on a phrase.
type RecognitionStatus string

const (
	StatusSuccess               RecognitionStatus = "Success"
	StatusNoMatch               RecognitionStatus = "NoMatch"
	StatusInitialSilenceTimeout RecognitionStatus = "InitialSilenceTimeout"
	StatusBabbleTimeout         RecognitionStatus = "BabbleTimeout"
	StatusError                 RecognitionStatus = "Error"
	StatusEndOfDictation        RecognitionStatus = "EndOfDictation"
	StatusTooManyRequests       RecognitionStatus = "TooManyRequests"
	StatusBadRequest            RecognitionStatus = "BadRequest"
	StatusForbidden             RecognitionStatus = "Forbidden"
)

// resultReasonForStatus maps a recognition status to a result reason. Error
// statuses map to Canceled; the caller derives the cancellation code with
// cancellationForStatus.
func resultReasonForStatus(status RecognitionStatus) ResultReason {
	switch status {
	case StatusSuccess, StatusEndOfDictation:
		return ReasonRecognizedSpeech
	case StatusNoMatch, StatusInitialSilenceTimeout, StatusBabbleTimeout:
		return ReasonNoMatch
	default:
		return ReasonCanceled
	}
}

func cancellationForStatus(status RecognitionStatus) core.CancellationErrorCode {
	switch status {
	case StatusTooManyRequests:
		return core.ErrTooManyRequests
	case StatusBadRequest:
		return core.ErrBadRequestParameters
	case StatusForbidden:
		return core.ErrForbidden
	default:
		return core.ErrServiceError
	}
}

// speechDetected is the payload of speech.startdetected / speech.enddetected.
type speechDetected struct {
	Offset uint64 `json:"Offset"`
}

// turnStartPayload is the payload of turn.start.
type turnStartPayload struct {
	Context struct {
		ServiceTag string `json:"serviceTag"`
	} `json:"context"`
}

// primaryLanguage reports language identification results.
type primaryLanguage struct {
	Language   string `json:"Language"`
	Confidence string `json:"Confidence,omitempty"`
}

// SpeechHypothesis is the payload of speech.hypothesis and speech.fragment.
type SpeechHypothesis struct {
	Text            string           `json:"Text"`
	Offset          uint64           `json:"Offset"`
	Duration        uint64           `json:"Duration"`
	PrimaryLanguage *primaryLanguage `json:"PrimaryLanguage,omitempty"`
}

// SimpleSpeechPhrase is the payload of speech.phrase in simple output mode.
type SimpleSpeechPhrase struct {
	RecognitionStatus RecognitionStatus `json:"RecognitionStatus"`
	DisplayText       string            `json:"DisplayText"`
	Offset            uint64            `json:"Offset"`
	Duration          uint64            `json:"Duration"`
	PrimaryLanguage   *primaryLanguage  `json:"PrimaryLanguage,omitempty"`
}

// phraseWord is one word of a detailed N-best entry.
type phraseWord struct {
	Word     string `json:"Word"`
	Offset   uint64 `json:"Offset"`
	Duration uint64 `json:"Duration"`
}

// phraseNBest is one detailed N-best alternative.
type phraseNBest struct {
	Confidence float64      `json:"Confidence"`
	Lexical    string       `json:"Lexical"`
	ITN        string       `json:"ITN"`
	MaskedITN  string       `json:"MaskedITN"`
	Display    string       `json:"Display"`
	Words      []phraseWord `json:"Words,omitempty"`
}

// DetailedSpeechPhrase is the payload of speech.phrase in detailed mode.
type DetailedSpeechPhrase struct {
	RecognitionStatus RecognitionStatus `json:"RecognitionStatus"`
	NBest             []phraseNBest     `json:"NBest"`
	Offset            uint64            `json:"Offset"`
	Duration          uint64            `json:"Duration"`
	DisplayText       string            `json:"DisplayText,omitempty"`
	PrimaryLanguage   *primaryLanguage  `json:"PrimaryLanguage,omitempty"`
}

// WithCorrectedOffsets re-renders the phrase JSON with turn-relative
// offsets shifted by baseOffset, including per-word offsets, so consumers
// see stream offsets throughout.
func (p DetailedSpeechPhrase) WithCorrectedOffsets(baseOffset uint64) (string, error) {
	p.Offset += baseOffset
	for i := range p.NBest {
		for j := range p.NBest[i].Words {
			p.NBest[i].Words[j].Offset += baseOffset
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseJSON[T any](body []byte) (T, error) {
	var v T
	err := json.Unmarshal(body, &v)
	return v, err
}
