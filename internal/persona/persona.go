// Package persona holds every user-visible string the bot sends: the
// system instruction given to the model and the fixed replies.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is the bot's voice. Replenished and Cooldown are fmt templates
// taking a single %d.
type Persona struct {
	System             string `yaml:"system"`
	Welcome            string `yaml:"welcome"`
	Replenished        string `yaml:"replenished"`
	Cooldown           string `yaml:"cooldown"`
	NotRegistered      string `yaml:"not_registered"`
	Cleared            string `yaml:"cleared"`
	AttachImage        string `yaml:"attach_image"`
	ImageError         string `yaml:"image_error"`
	ImageFallback      string `yaml:"image_fallback"`
	CompletionFallback string `yaml:"completion_fallback"`
	Unsupported        string `yaml:"unsupported"`
}

// Default returns the pirate persona.
func Default() Persona {
	return Persona{
		System: "Ye be a pirate bot. Speak like a true buccaneer!",
		Welcome: "Ahoy, matey! I be the pirate bot. What treasure can I help ye find?\n\n" +
			"Here be me commands:\n" +
			"/tokens - Check or replenish yer tokens\n" +
			"/clean - Clear yer chat history\n" +
			"/describe_image - Send an image, and I'll tell ye what I see!",
		Replenished:        "Yarr! Yer tokens be replenished to %d, ye lucky dog!",
		Cooldown:           "Hold yer horses, matey! Ye must wait %d more seconds to reset yer tokens!",
		NotRegistered:      "Blimey! Ye be not registered in me crew. Use /start to join!",
		Cleared:            "Shiver me timbers! Yer context be cleared like a clean deck!",
		AttachImage:        "Please send an image with this command.",
		ImageError:         "An error occurred while processing the image. Please try again.",
		ImageFallback:      "Arrr! I be having trouble seeing that image. Can ye try another?",
		CompletionFallback: "Arrr! A kraken's got me tongue. Try again, ye scurvy dog!",
		Unsupported:        "Arrr! I can only understand text and images, ye scurvy dog!",
	}
}

// Parse overlays a YAML document on Default and validates the result.
// Keys absent from the document keep their default text.
func Parse(data []byte) (Persona, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Persona{}, fmt.Errorf("persona parse: %w", err)
	}
	if err := Validate(p); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// Load reads a persona overlay file. An empty path yields Default.
func Load(path string) (Persona, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("persona load %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks that every reply is non-empty and the templates take
// exactly one %d.
func Validate(p Persona) error {
	fields := []struct {
		name  string
		value string
	}{
		{"welcome", p.Welcome},
		{"replenished", p.Replenished},
		{"cooldown", p.Cooldown},
		{"not_registered", p.NotRegistered},
		{"cleared", p.Cleared},
		{"attach_image", p.AttachImage},
		{"image_error", p.ImageError},
		{"image_fallback", p.ImageFallback},
		{"completion_fallback", p.CompletionFallback},
		{"unsupported", p.Unsupported},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("persona: %s must not be empty", f.name)
		}
	}
	if err := validateTemplate("replenished", p.Replenished); err != nil {
		return err
	}
	return validateTemplate("cooldown", p.Cooldown)
}

func validateTemplate(name, tmpl string) error {
	verbs := strings.Count(strings.ReplaceAll(tmpl, "%%", ""), "%")
	if verbs != 1 || !strings.Contains(strings.ReplaceAll(tmpl, "%%", ""), "%d") {
		return fmt.Errorf("persona: %s must contain exactly one %%d verb, got %q", name, tmpl)
	}
	return nil
}

// ReplenishedReply renders the quota-replenished reply.
func (p Persona) ReplenishedReply(balance int) string {
	return fmt.Sprintf(p.Replenished, balance)
}

// CooldownReply renders the cooldown reply.
func (p Persona) CooldownReply(remainingSeconds int) string {
	return fmt.Sprintf(p.Cooldown, remainingSeconds)
}
