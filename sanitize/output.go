package sanitize

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
)

// Default output length caps in bytes. Factual replies (amounts, rates,
// units) get the looser cap so numbers don't get cut mid-sentence.
const (
	MaxOutputLen        = 400
	MaxFactualOutputLen = 800
)

// RedactionMarker replaces secret-shaped substrings in model output.
const RedactionMarker = "[redacted]"

// minViableOutput is the shortest output considered usable after stripping.
const minViableOutput = 3

// secretPatterns match common credential and token shapes. Anything matching
// is redacted whether or not it is a real secret.
var secretPatterns = []string{
	`sk-[A-Za-z0-9_\-]{20,}`,
	`AKIA[0-9A-Z]{16}`,
	`gh[pousr]_[A-Za-z0-9]{30,}`,
	`xox[baprs]-[A-Za-z0-9\-]{10,}`,
	`eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`,
	`(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}`,
	`(?i)(api[_\-]?key|secret|token|password)\s*[:=]\s*\S{8,}`,
	`\b[0-9a-fA-F]{32,}\b`,
}

// leakPatterns match fragments that mean the model broke character:
// internal-instruction references and scripted refusal phrasing. Matches
// are removed, never shown to the user.
var leakPatterns = []string{
	`(?i)as an ai( language)? model[^.!?]*[.!?]?`,
	`(?i)i('m| am) (just )?an? (ai|artificial intelligence|language model|assistant)[^.!?]*[.!?]?`,
	`(?i)(my|the) (system )?(prompt|instructions?) (says?|tells?|state|require)[^.!?]*[.!?]?`,
	`(?i)according to (my|the) (system )?(prompt|instructions?)[^.!?]*[.!?]?`,
	`(?i)i (cannot|can't|am unable to|won't be able to) (assist|help|comply) with (that|this) request[^.!?]*[.!?]?`,
	`(?i)i('m| am) sorry,? but i (cannot|can't|am unable to)[^.!?]*[.!?]?`,
	`(?i)\[?(system|assistant|instruction)\]?\s*:`,
}

// formalPatterns flag corporate phrasing that the persona would never use.
var formalPatterns = []string{
	`(?i)^dear\b`,
	`(?i)\bfurthermore\b`,
	`(?i)\bin conclusion\b`,
	`(?i)\bmoreover\b`,
	`(?i)\bplease do not hesitate\b`,
	`(?i)\bwe appreciate your\b`,
	`(?i)\bkind regards\b|\bsincerely\b|\bbest regards\b`,
	`(?i)\bper (your|our) (request|discussion)\b`,
}

// personaMarkerPattern is vocabulary the persona actually uses, matched on
// word boundaries. Formal output containing none of it is a tone break.
var personaMarkerPattern = regexp.MustCompile(`(?i)\b(lol|lmao|haha|tbh|ngl|fr|btw|dude|bro|yeah|nah|yep|omg|hmm|gonna|wanna|kinda)\b`)

// restrictedPersonaMarkerPattern is the family-friendly vocabulary set.
var restrictedPersonaMarkerPattern = regexp.MustCompile(`(?i)\b(haha|btw|yeah|yep|hmm|wow|oh|hey|thanks|sure)\b`)

// outputFallbacks replace degenerate or tone-broken output.
var outputFallbacks = []string{
	"lol my brain glitched for a sec there. run that by me again?",
	"hmm, lost my train of thought. what were we saying?",
	"ngl i zoned out for a moment. ask me that again?",
	"wait, i fumbled that one. one more time?",
}

// restrictedOutputFallbacks is the family-friendly fallback pool.
var restrictedOutputFallbacks = []string{
	"Oops, I lost my train of thought! Could you ask that again?",
	"Hmm, that one got away from me. One more time?",
	"Sorry, I garbled that. Mind repeating the question?",
}

// factualPattern detects time-sensitive numeric content: currency amounts,
// percentages, and common units.
var factualPattern = regexp.MustCompile(`(?i)[$€£¥]\s?\d|\d+([.,]\d+)?\s?(%|percent|usd|eur|gbp|btc|eth|km/?h?|mph|kg|lbs?|°[cf]|degrees)`)

// OutputSanitizer rewrites model output into safe, in-persona, bounded text.
type OutputSanitizer struct {
	maxLen        int
	factualMaxLen int
	secrets       []*regexp.Regexp
	leaks         []*regexp.Regexp
	formal        []*regexp.Regexp

	mu  sync.Mutex
	rng *rand.Rand
}

// OutputOption configures an OutputSanitizer.
type OutputOption func(*OutputSanitizer) error

// WithMaxOutputLen overrides both length caps.
func WithMaxOutputLen(maxLen, factualMaxLen int) OutputOption {
	return func(s *OutputSanitizer) error {
		if maxLen > 0 {
			s.maxLen = maxLen
		}
		if factualMaxLen > 0 {
			s.factualMaxLen = factualMaxLen
		}
		return nil
	}
}

// WithOutputRand overrides the fallback sampler source. Intended for tests.
func WithOutputRand(rng *rand.Rand) OutputOption {
	return func(s *OutputSanitizer) error {
		s.rng = rng
		return nil
	}
}

// NewOutput creates an OutputSanitizer with the built-in pattern tables.
func NewOutput(opts ...OutputOption) (*OutputSanitizer, error) {
	secrets, err := compilePatterns(secretPatterns)
	if err != nil {
		return nil, err
	}
	leaks, err := compilePatterns(leakPatterns)
	if err != nil {
		return nil, err
	}
	formal, err := compilePatterns(formalPatterns)
	if err != nil {
		return nil, err
	}

	s := &OutputSanitizer{
		maxLen:        MaxOutputLen,
		factualMaxLen: MaxFactualOutputLen,
		secrets:       secrets,
		leaks:         leaks,
		formal:        formal,
		rng:           rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Sanitize rewrites model output: redacts secret shapes, strips leaked
// instruction fragments and scripted refusals, replaces degenerate or
// tone-broken results with a fallback phrase, and caps the length at a
// sentence boundary. The result is never empty and never exceeds the cap.
func (s *OutputSanitizer) Sanitize(text string) string {
	return s.SanitizeMode(text, Unrestricted)
}

// SanitizeMode is Sanitize with an explicit persona vocabulary mode.
func (s *OutputSanitizer) SanitizeMode(text string, mode Mode) string {
	for _, re := range s.secrets {
		text = re.ReplaceAllString(text, RedactionMarker)
	}

	for _, re := range s.leaks {
		text = re.ReplaceAllString(text, "")
	}
	text = strings.TrimSpace(text)

	if len(text) < minViableOutput {
		return s.fallback(mode)
	}

	if s.breaksTone(text, mode) {
		return s.fallback(mode)
	}

	return s.capLength(text)
}

func (s *OutputSanitizer) fallback(mode Mode) string {
	pool := outputFallbacks
	if mode == Restricted {
		pool = restrictedOutputFallbacks
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return pool[s.rng.Intn(len(pool))]
}

// breaksTone reports formal phrasing with none of the persona's vocabulary.
func (s *OutputSanitizer) breaksTone(text string, mode Mode) bool {
	var isFormal bool
	for _, re := range s.formal {
		if re.MatchString(text) {
			isFormal = true
			break
		}
	}
	if !isFormal {
		return false
	}

	markers := personaMarkerPattern
	if mode == Restricted {
		markers = restrictedPersonaMarkerPattern
	}
	return !markers.MatchString(text)
}

// capLength cuts at the last sentence-terminal punctuation at or before the
// cap; if none exists, cuts hard on a rune boundary.
func (s *OutputSanitizer) capLength(text string) string {
	capLen := s.maxLen
	if factualPattern.MatchString(text) {
		capLen = s.factualMaxLen
	}
	if len(text) <= capLen {
		return text
	}

	cut := truncateUTF8(text, capLen)
	if idx := strings.LastIndexAny(cut, ".!?"); idx >= 0 {
		return strings.TrimSpace(cut[:idx+1])
	}
	return strings.TrimSpace(cut)
}
