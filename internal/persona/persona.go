// Package persona holds the immutable per-call character configuration and
// turns it into the system instruction sent when the upstream session opens.
package persona

import (
	"fmt"
	"strings"
)

// Persona is the character a call is bound to. All fields are fixed for the
// lifetime of one call; changing any of them means a new call.
type Persona struct {
	// Name is the character's display name.
	Name string `json:"name"`
	// Scenario describes the setting the conversation takes place in.
	Scenario string `json:"scenario"`
	// Personality describes how the character speaks and behaves.
	Personality string `json:"personality"`
}

const (
	defaultName     = "Moe"
	maxFieldRunes   = 4000
	fieldTooLongFmt = "%s must be at most %d characters"
)

// Normalize trims fields and applies the default character name.
func (p Persona) Normalize() Persona {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = defaultName
	}
	p.Scenario = strings.TrimSpace(p.Scenario)
	p.Personality = strings.TrimSpace(p.Personality)
	return p
}

// Validate rejects oversized persona fields. Empty scenario and personality
// are allowed; the instruction degrades gracefully.
func (p Persona) Validate() error {
	for _, f := range []struct {
		label string
		value string
	}{
		{"name", p.Name},
		{"scenario", p.Scenario},
		{"personality", p.Personality},
	} {
		if len([]rune(f.value)) > maxFieldRunes {
			return fmt.Errorf(fieldTooLongFmt, f.label, maxFieldRunes)
		}
	}
	return nil
}

// SystemInstruction renders the instruction string the upstream session is
// opened with. The shape mirrors what the avatar UI always sent: identity
// first, then scenario, then personality, then the voice-reply ground rule.
func (p Persona) SystemInstruction() string {
	p = p.Normalize()

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a character on a voice call with the user.", p.Name)
	if p.Scenario != "" {
		fmt.Fprintf(&b, "\nScenario: %s", p.Scenario)
	}
	if p.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s", p.Personality)
	}
	b.WriteString("\nStay in character. Reply with speech only, keep responses short and conversational.")
	return b.String()
}
