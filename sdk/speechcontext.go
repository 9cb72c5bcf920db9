package speechwire

import (
	"runtime"

	json "github.com/goccy/go-json"
)

// DynamicGrammarBuilder collects phrase hints and reference grammars that
// bias recognition, and renders them as the context's "dgi" section.
type DynamicGrammarBuilder struct {
	phrases  []string
	grammars []string
}

// AddPhrase adds phrase hints.
func (b *DynamicGrammarBuilder) AddPhrase(phrases ...string) {
	b.phrases = append(b.phrases, phrases...)
}

// ClearPhrases removes all phrase hints.
func (b *DynamicGrammarBuilder) ClearPhrases() {
	b.phrases = nil
}

// AddReferenceGrammar adds reference grammar ids.
func (b *DynamicGrammarBuilder) AddReferenceGrammar(grammars ...string) {
	b.grammars = append(b.grammars, grammars...)
}

// ClearGrammars removes all reference grammars.
func (b *DynamicGrammarBuilder) ClearGrammars() {
	b.grammars = nil
}

type dgiItem struct {
	Text string `json:"Text"`
}

type dgiGroup struct {
	Type  string    `json:"Type"`
	Items []dgiItem `json:"Items"`
}

type dgiObject struct {
	ReferenceGrammars []string   `json:"ReferenceGrammars,omitempty"`
	Groups            []dgiGroup `json:"Groups,omitempty"`
}

// GenerateGrammarObject renders the builder's content, or nil when empty.
func (b *DynamicGrammarBuilder) GenerateGrammarObject() any {
	if len(b.phrases) == 0 && len(b.grammars) == 0 {
		return nil
	}
	obj := dgiObject{ReferenceGrammars: b.grammars}
	if len(b.phrases) > 0 {
		items := make([]dgiItem, len(b.phrases))
		for i, p := range b.phrases {
			items[i] = dgiItem{Text: p}
		}
		obj.Groups = []dgiGroup{{Type: "Generic", Items: items}}
	}
	return obj
}

// SpeechContext is the per-turn context document sent on the speech.context
// path. Sections are keyed free-form objects; the dgi section is regenerated
// from the grammar builder on every serialize so late phrase additions are
// picked up.
type SpeechContext struct {
	sections map[string]any
	grammar  *DynamicGrammarBuilder
}

// NewSpeechContext creates a context bound to grammar. A nil grammar means
// no dgi section is ever generated.
func NewSpeechContext(grammar *DynamicGrammarBuilder) *SpeechContext {
	return &SpeechContext{
		sections: make(map[string]any),
		grammar:  grammar,
	}
}

// SetSection installs or replaces a section.
func (c *SpeechContext) SetSection(name string, value any) {
	c.sections[name] = value
}

// GetSection returns a section, or nil when absent.
func (c *SpeechContext) GetSection(name string) any {
	return c.sections[name]
}

type phraseOutputSection struct {
	Format   string `json:"format,omitempty"`
	Detailed *struct {
		Options []string `json:"options,omitempty"`
	} `json:"detailed,omitempty"`
}

// SetDetailedOutputFormat requests N-best phrase output.
func (c *SpeechContext) SetDetailedOutputFormat() {
	out := c.phraseOutput()
	out.Format = "Detailed"
	c.sections["phraseOutput"] = out
}

// SetWordLevelTimings requests detailed output with per-word timings.
func (c *SpeechContext) SetWordLevelTimings() {
	out := c.phraseOutput()
	out.Format = "Detailed"
	if out.Detailed == nil {
		out.Detailed = &struct {
			Options []string `json:"options,omitempty"`
		}{}
	}
	for _, opt := range out.Detailed.Options {
		if opt == "WordTimings" {
			return
		}
	}
	out.Detailed.Options = append(out.Detailed.Options, "WordTimings")
	c.sections["phraseOutput"] = out
}

func (c *SpeechContext) phraseOutput() *phraseOutputSection {
	if out, ok := c.sections["phraseOutput"].(*phraseOutputSection); ok {
		return out
	}
	out := &phraseOutputSection{}
	c.sections["phraseOutput"] = out
	return out
}

// ToJSON serializes the context, regenerating the dgi section first.
func (c *SpeechContext) ToJSON() (string, error) {
	if c.grammar != nil {
		if dgi := c.grammar.GenerateGrammarObject(); dgi != nil {
			c.sections["dgi"] = dgi
		} else {
			delete(c.sections, "dgi")
		}
	}
	data, err := json.Marshal(c.sections)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type systemContext struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Lang    string `json:"lang"`
}

type osContext struct {
	Platform string `json:"platform"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

type audioSourceContext struct {
	BitsPerSample int    `json:"bitspersample"`
	ChannelCount  int    `json:"channelcount"`
	SampleRate    int    `json:"samplerate"`
	Type          string `json:"type"`
	Connectivity  string `json:"connectivity,omitempty"`
	Model         string `json:"model,omitempty"`
}

type audioContext struct {
	Source audioSourceContext `json:"source"`
}

// SpeechServiceConfig is the speech.config document describing the client
// to the service. When telemetry is disabled only the system section is
// sent.
type SpeechServiceConfig struct {
	System systemContext
	OS     osContext
	Audio  *audioContext
}

// NewSpeechServiceConfig builds the config for this client build.
func NewSpeechServiceConfig() *SpeechServiceConfig {
	return &SpeechServiceConfig{
		System: systemContext{
			Name:    "speechwire",
			Version: sdkVersion,
			Build:   "go",
			Lang:    "go",
		},
		OS: osContext{
			Platform: runtime.GOOS + "/" + runtime.GOARCH,
			Name:     runtime.GOOS,
			Version:  runtime.Version(),
		},
	}
}

// SetAudioSource records the audio source description sent with telemetry.
func (c *SpeechServiceConfig) SetAudioSource(format *AudioFormat, sourceType string) {
	c.Audio = &audioContext{
		Source: audioSourceContext{
			BitsPerSample: format.BitsPerSample,
			ChannelCount:  format.Channels,
			SampleRate:    format.SampleRate,
			Type:          sourceType,
		},
	}
}

// Serialize renders the config document.
func (c *SpeechServiceConfig) Serialize(telemetryEnabled bool) (string, error) {
	var doc any
	if telemetryEnabled {
		ctx := map[string]any{
			"system": c.System,
			"os":     c.OS,
		}
		if c.Audio != nil {
			ctx["audio"] = c.Audio
		}
		doc = map[string]any{"context": ctx}
	} else {
		doc = map[string]any{"context": map[string]any{"system": c.System}}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const sdkVersion = "1.0.0"
