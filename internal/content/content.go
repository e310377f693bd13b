// Package content holds the coach's user-facing content pack: the welcome
// message, the model's system prompt, the "thinking" placeholder phrases,
// the daily tips, and the daily digest card.
//
// The pack ships with embedded Italian defaults and can be overridden by a
// YAML file. A candidate pack is validated against an embedded JSON schema
// before it replaces the live one, so a bad file never takes effect.
package content

import (
	"bytes"
	_ "embed"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// Tip is one (header, body) pair for the daily tip broadcast.
type Tip struct {
	Header string `yaml:"header"`
	Text   string `yaml:"text"`
}

// Digest describes the fixed daily digest card: an image with a caption and
// an optional link.
type Digest struct {
	ImageURL string `yaml:"image_url"`
	Caption  string `yaml:"caption"`
	Link     string `yaml:"link"`
}

// Pack is the full content pack.
type Pack struct {
	Welcome         string   `yaml:"welcome"`
	OptInQuestion   string   `yaml:"optin_question"`
	SystemPrompt    string   `yaml:"system_prompt"`
	ThinkingPhrases []string `yaml:"thinking_phrases"`
	Tips            []Tip    `yaml:"tips"`
	Digest          Digest   `yaml:"digest"`
}

// defaultPack mirrors the strings the coach shipped with.
func defaultPack() Pack {
	return Pack{
		Welcome:       "Ciao! Sono SaveUp Coach. Scrivimi pure la tua domanda!",
		OptInQuestion: "Vuoi ricevere ogni giorno un consiglio di risparmio? Rispondi SI o NO.",
		SystemPrompt: "Sei SaveUp Coach, esperto di finanza personale. " +
			"Aiuta senza dare consigli di investimento, ma spiegando le opzioni disponibili.",
		ThinkingPhrases: []string{
			"Un attimo, ci sto pensando... 🤔",
			"Fammi riflettere un momento... 💭",
			"Sto preparando la risposta... ✍️",
			"Ci sono quasi... ⏳",
		},
		Tips: []Tip{
			{Header: "💡 Consiglio del giorno", Text: "Metti da parte le monete a fine giornata: a fine mese fanno la differenza."},
			{Header: "💡 Consiglio del giorno", Text: "Prima di un acquisto sopra i 50€, aspetta 24 ore e chiediti se ti serve davvero."},
			{Header: "💡 Consiglio del giorno", Text: "Annota ogni spesa per una settimana: scoprirai dove finiscono i tuoi soldi."},
			{Header: "💡 Consiglio del giorno", Text: "Imposta un bonifico automatico verso il salvadanaio il giorno dello stipendio."},
		},
		Digest: Digest{
			ImageURL: "https://saveupcoach.example/digest.png",
			Caption:  "📰 Le notizie di risparmio di oggi",
			Link:     "https://saveupcoach.example/digest",
		},
	}
}

// Loader holds the live content pack and allows validated hot swaps.
// Safe for concurrent use.
type Loader struct {
	mu   sync.RWMutex
	pack Pack
	rnd  func(n int) int
}

// NewLoader returns a Loader seeded with the embedded defaults.
func NewLoader() *Loader {
	return &Loader{pack: defaultPack(), rnd: rand.IntN}
}

// LoadFile reads a YAML content pack from disk, validates it, and applies
// it. The live pack is untouched when the file is invalid.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read content pack: %w", err)
	}
	return l.Apply(data)
}

// Apply parses a raw YAML payload, validates it against the content schema,
// and atomically replaces the live pack.
func (l *Loader) Apply(data []byte) error {
	// Decode once into a plain tree for schema validation, once into the
	// typed Pack. Validating the raw tree keeps schema errors precise.
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse content pack: %w", err)
	}
	if err := validate(tree); err != nil {
		return fmt.Errorf("invalid content pack: %w", err)
	}

	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return fmt.Errorf("parse content pack: %w", err)
	}

	l.mu.Lock()
	l.pack = pack
	l.mu.Unlock()
	return nil
}

// Pack returns a copy of the live pack.
func (l *Loader) Pack() Pack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pack
}

// ThinkingPhrase returns a random "thinking" placeholder phrase.
func (l *Loader) ThinkingPhrase() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pack.ThinkingPhrases[l.rnd(len(l.pack.ThinkingPhrases))]
}

// RandomTip returns a random (header, tip) pair.
func (l *Loader) RandomTip() Tip {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pack.Tips[l.rnd(len(l.pack.Tips))]
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// validate checks a decoded YAML tree against the embedded content schema.
func validate(tree any) error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("content.schema.json", bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("content.schema.json")
	})
	if schemaErr != nil {
		return fmt.Errorf("compile content schema: %w", schemaErr)
	}
	return schema.Validate(tree)
}
