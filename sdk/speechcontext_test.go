package speechwire

import (
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestSpeechContextSectionRoundTrip(t *testing.T) {
	ctx := NewSpeechContext(nil)
	ctx.SetSection("phraseDetection", map[string]any{"mode": "CONVERSATION"})

	if got := ctx.GetSection("phraseDetection"); got == nil {
		t.Fatalf("section lost")
	}

	doc, err := ctx.ToJSON()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	section, ok := parsed["phraseDetection"].(map[string]any)
	if !ok || section["mode"] != "CONVERSATION" {
		t.Fatalf("round trip lost section: %s", doc)
	}
}

func TestSpeechContextRegeneratesGrammarOnSerialize(t *testing.T) {
	grammar := &DynamicGrammarBuilder{}
	ctx := NewSpeechContext(grammar)

	doc, err := ctx.ToJSON()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.Contains(doc, "dgi") {
		t.Fatalf("empty grammar produced a dgi section: %s", doc)
	}

	// Phrases added after the first serialize appear on the next one.
	grammar.AddPhrase("Contoso", "Fabrikam")
	grammar.AddReferenceGrammar("grammar-1")
	doc, err = ctx.ToJSON()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(doc, "Contoso") || !strings.Contains(doc, "grammar-1") {
		t.Fatalf("dgi missing content: %s", doc)
	}
	var parsed struct {
		Dgi struct {
			ReferenceGrammars []string `json:"ReferenceGrammars"`
			Groups            []struct {
				Type  string `json:"Type"`
				Items []struct {
					Text string `json:"Text"`
				} `json:"Items"`
			} `json:"Groups"`
		} `json:"dgi"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Dgi.Groups) != 1 || parsed.Dgi.Groups[0].Type != "Generic" {
		t.Fatalf("groups = %+v", parsed.Dgi.Groups)
	}
	if len(parsed.Dgi.Groups[0].Items) != 2 || parsed.Dgi.Groups[0].Items[0].Text != "Contoso" {
		t.Fatalf("items = %+v", parsed.Dgi.Groups[0].Items)
	}

	// Clearing the builder removes the section again.
	grammar.ClearPhrases()
	grammar.ClearGrammars()
	doc, err = ctx.ToJSON()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if strings.Contains(doc, "dgi") {
		t.Fatalf("cleared grammar left a dgi section: %s", doc)
	}
}

func TestSpeechContextWordLevelTimings(t *testing.T) {
	ctx := NewSpeechContext(nil)
	ctx.SetWordLevelTimings()
	ctx.SetWordLevelTimings() // idempotent

	doc, err := ctx.ToJSON()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(doc, `"format":"Detailed"`) {
		t.Fatalf("word timings did not force detailed format: %s", doc)
	}
	if strings.Count(doc, "WordTimings") != 1 {
		t.Fatalf("WordTimings duplicated or missing: %s", doc)
	}
}

func TestServiceConfigTelemetryFiltering(t *testing.T) {
	cfg := NewSpeechServiceConfig()
	cfg.SetAudioSource(DefaultAudioFormat(), "Stream")

	full, err := cfg.Serialize(true)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	for _, key := range []string{`"system"`, `"os"`, `"audio"`, `"samplerate":16000`} {
		if !strings.Contains(full, key) {
			t.Fatalf("full config missing %s: %s", key, full)
		}
	}

	filtered, err := cfg.Serialize(false)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if !strings.Contains(filtered, `"system"`) {
		t.Fatalf("filtered config lost system section: %s", filtered)
	}
	for _, key := range []string{`"os"`, `"audio"`} {
		if strings.Contains(filtered, key) {
			t.Fatalf("telemetry-disabled config leaked %s: %s", key, filtered)
		}
	}
}
