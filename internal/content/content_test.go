package content_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/saveup/coach/internal/content"
)

const validPack = `
welcome: "Benvenuto!"
optin_question: "Vuoi i consigli giornalieri? SI o NO."
system_prompt: "Sei un coach di risparmio."
thinking_phrases:
  - "Ci penso..."
tips:
  - header: "Consiglio"
    text: "Risparmia il 10% dello stipendio."
digest:
  image_url: "https://example.org/d.png"
  caption: "Notizie di oggi"
  link: "https://example.org/news"
`

func TestLoader_DefaultsAreUsable(t *testing.T) {
	l := content.NewLoader()

	p := l.Pack()
	if p.Welcome == "" || p.SystemPrompt == "" {
		t.Error("embedded defaults should carry welcome and system prompt")
	}
	if len(p.ThinkingPhrases) == 0 || len(p.Tips) == 0 {
		t.Error("embedded defaults should carry phrases and tips")
	}
	if l.ThinkingPhrase() == "" {
		t.Error("ThinkingPhrase returned an empty string")
	}
	if tip := l.RandomTip(); tip.Header == "" || tip.Text == "" {
		t.Errorf("RandomTip returned an incomplete tip: %+v", tip)
	}
}

func TestLoader_ApplyValidPack(t *testing.T) {
	l := content.NewLoader()

	if err := l.Apply([]byte(validPack)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	p := l.Pack()
	if p.Welcome != "Benvenuto!" {
		t.Errorf("Welcome: got %q", p.Welcome)
	}
	if p.Digest.Caption != "Notizie di oggi" {
		t.Errorf("Digest.Caption: got %q", p.Digest.Caption)
	}
}

func TestLoader_RejectsInvalidPack(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"not yaml", ":\n  - ]["},
		{"missing welcome", "system_prompt: x\nthinking_phrases: [a]\ntips: [{header: h, text: t}]\ndigest: {image_url: u, caption: c}"},
		{"empty phrase list", "welcome: w\nsystem_prompt: x\nthinking_phrases: []\ntips: [{header: h, text: t}]\ndigest: {image_url: u, caption: c}"},
		{"tip without text", "welcome: w\nsystem_prompt: x\nthinking_phrases: [a]\ntips: [{header: h}]\ndigest: {image_url: u, caption: c}"},
		{"unknown field", validPack + "\nextra: nope"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := content.NewLoader()
			before := l.Pack()
			if err := l.Apply([]byte(tc.yaml)); err == nil {
				t.Fatal("Apply accepted an invalid pack")
			}
			// The live pack must be untouched after a failed apply.
			if l.Pack().Welcome != before.Welcome {
				t.Error("live pack changed after failed Apply")
			}
		})
	}
}

func TestLoader_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.yaml")
	if err := os.WriteFile(path, []byte(validPack), 0o644); err != nil {
		t.Fatal(err)
	}

	l := content.NewLoader()
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if l.Pack().Welcome != "Benvenuto!" {
		t.Errorf("Welcome after LoadFile: got %q", l.Pack().Welcome)
	}
}

func TestLoader_LoadFileMissing(t *testing.T) {
	l := content.NewLoader()
	if err := l.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadFile on a missing file should fail")
	}
}
