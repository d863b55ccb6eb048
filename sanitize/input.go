// Package sanitize cleans untrusted text flowing in both directions around
// the generation collaborator: user input before it reaches the model, and
// model output before it reaches the user.
//
// Both sanitizers are stateless classifiers over ordered regex pattern
// tables. The tables can be replaced with data loaded from YAML so pattern
// updates don't require a redeploy. Deflection phrases are sampled through
// an injectable random source so tests can seed it deterministically.
package sanitize

import (
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// MaxInputLen is the default cap on sanitized user input, in bytes.
const MaxInputLen = 2000

// InjectionDeflection is returned verbatim whenever an injection pattern
// matches. The original text is discarded entirely.
const InjectionDeflection = "nice try lol. not falling for that one. so what were we actually talking about?"

// defaultInjectionPatterns is the ordered stage-1 table. The first match
// short-circuits: the input is discarded and InjectionDeflection returned.
var defaultInjectionPatterns = []string{
	// Instruction override.
	`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|messages?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|above|your)`,
	`(?i)forget\s+(everything|all|your)\s+(you|previous|prior|instructions?)`,
	`(?i)new\s+instructions?\s*:`,
	// Persona break.
	`(?i)you\s+are\s+now\s+(a|an|the)\b`,
	`(?i)(pretend|act\s+as|roleplay\s+as)\s+(if\s+)?(you\s+(are|were)\s+)?(a|an|the)?\s*(different|another|new)`,
	`(?i)(drop|break|exit|leave)\s+(the\s+)?character`,
	`(?i)stop\s+(being|acting\s+like)`,
	// Secret extraction.
	`(?i)(reveal|show|print|repeat|output|tell\s+me)\s+(me\s+)?(your|the)\s+(system\s+)?(prompt|instructions?|rules?)`,
	`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?)`,
	`(?i)\bsystem\s+prompt\b`,
	// Code execution.
	`(?i)(run|execute|eval)\s+(this\s+)?(code|script|command)`,
	"(?i)```[a-z]*\\s*(import\\s|#!|eval\\(|exec\\()",
	// Template injection.
	`\{\{.*\}\}|\{%.*%\}|<%.*%>`,
	`\$\{[^}]*\}`,
}

// defaultManipulationPatterns is the ordered stage-2 table: requests for
// endorsements or asset picks that must never be forwarded to the model.
var defaultManipulationPatterns = []string{
	`(?i)(which|what)\s+(coin|token|crypto|stock|share|nft)s?\s+(should|would|do)\s+(i|you|we)`,
	`(?i)(recommend|suggest|name|pick)\s+(me\s+)?(a|an|some|the\s+best)\s+(coin|token|crypto|stock|project|exchange|wallet)`,
	`(?i)(should|shall)\s+i\s+(buy|sell|invest|ape|hold|long|short)`,
	`(?i)is\s+\S+\s+a\s+good\s+(investment|buy|coin|token|project)`,
	`(?i)(price|financial|investment|trading)\s+advice`,
	`(?i)(guaranteed|risk.?free)\s+(returns?|profits?|gains?)`,
	`(?i)\b(shill|pump)\s+(me\s+)?(a|an|some|your)\b`,
}

// manipulationDeflections is the pool sampled for stage-2 matches.
var manipulationDeflections = []string{
	"haha nah, not doing picks or financial advice. do your own research on that one",
	"not my lane. i don't name names or call buys, you know how it is",
	"lol i'm staying out of that. not an advisor, just here to chat",
	"can't help with picks, that's on you. what else is up?",
}

// restrictedManipulationDeflections is used in family-friendly mode.
var restrictedManipulationDeflections = []string{
	"I'm not able to give financial advice or recommend anything to buy, sorry!",
	"That's not something I can weigh in on. Anything else I can help with?",
	"I stay away from investment picks. Happy to chat about something else though!",
}

// Mode selects the persona vocabulary set.
type Mode int

const (
	// Unrestricted is the default casual persona vocabulary.
	Unrestricted Mode = iota

	// Restricted is the family-friendly vocabulary set.
	Restricted
)

// InputSanitizer rewrites inbound user text. Sanitize always returns a
// usable string and never fails.
type InputSanitizer struct {
	maxLen       int
	injection    []*regexp.Regexp
	manipulation []*regexp.Regexp

	mu  sync.Mutex
	rng *rand.Rand
}

// InputOption configures an InputSanitizer.
type InputOption func(*InputSanitizer) error

// WithMaxInputLen overrides the truncation cap for benign input.
func WithMaxInputLen(n int) InputOption {
	return func(s *InputSanitizer) error {
		if n > 0 {
			s.maxLen = n
		}
		return nil
	}
}

// WithInputRand overrides the deflection sampler source. Intended for tests.
func WithInputRand(rng *rand.Rand) InputOption {
	return func(s *InputSanitizer) error {
		s.rng = rng
		return nil
	}
}

// WithInputRules replaces both pattern tables with loaded rule data.
func WithInputRules(rules InputRules) InputOption {
	return func(s *InputSanitizer) error {
		injection, err := compilePatterns(rules.Injection)
		if err != nil {
			return err
		}
		manipulation, err := compilePatterns(rules.Manipulation)
		if err != nil {
			return err
		}
		s.injection = injection
		s.manipulation = manipulation
		return nil
	}
}

// InputRules is the externalized form of the input pattern tables.
type InputRules struct {
	Injection    []string `yaml:"injection"`
	Manipulation []string `yaml:"manipulation"`
}

// LoadInputRules reads input pattern tables from a YAML file.
func LoadInputRules(path string) (InputRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return InputRules{}, fmt.Errorf("read input rules: %w", err)
	}
	var rules InputRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return InputRules{}, fmt.Errorf("parse input rules: %w", err)
	}
	return rules, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// NewInput creates an InputSanitizer with the built-in pattern tables.
func NewInput(opts ...InputOption) (*InputSanitizer, error) {
	injection, err := compilePatterns(defaultInjectionPatterns)
	if err != nil {
		return nil, err
	}
	manipulation, err := compilePatterns(defaultManipulationPatterns)
	if err != nil {
		return nil, err
	}

	s := &InputSanitizer{
		maxLen:       MaxInputLen,
		injection:    injection,
		manipulation: manipulation,
		rng:          rand.New(rand.NewSource(rand.Int63())),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Sanitize runs the three stages: injection detection (fixed deflection,
// original discarded), manipulation detection (random deflection from the
// pool), and benign cleanup (truncate, strip control characters and
// template delimiters).
func (s *InputSanitizer) Sanitize(raw string) string {
	return s.SanitizeMode(raw, Unrestricted)
}

// SanitizeMode is Sanitize with an explicit persona vocabulary mode.
func (s *InputSanitizer) SanitizeMode(raw string, mode Mode) string {
	text, _ := s.Screen(raw, mode)
	return text
}

// Screen sanitizes raw input and additionally reports whether the returned
// text is a deflection that replaced the input, in which case the caller
// should reply with it directly instead of passing it downstream.
func (s *InputSanitizer) Screen(raw string, mode Mode) (string, bool) {
	for _, re := range s.injection {
		if re.MatchString(raw) {
			return InjectionDeflection, true
		}
	}

	for _, re := range s.manipulation {
		if re.MatchString(raw) {
			pool := manipulationDeflections
			if mode == Restricted {
				pool = restrictedManipulationDeflections
			}
			return s.sample(pool), true
		}
	}

	return s.clean(raw), false
}

func (s *InputSanitizer) sample(pool []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pool[s.rng.Intn(len(pool))]
}

var templateDelims = strings.NewReplacer(
	"{{", "", "}}", "",
	"{%", "", "%}", "",
	"<%", "", "%>", "",
	"${", "", "`", "",
)

func (s *InputSanitizer) clean(raw string) string {
	text := truncateUTF8(raw, s.maxLen)
	text = templateDelims.Replace(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// truncateUTF8 truncates a string to at most maxBytes while preserving
// valid UTF-8 boundaries.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
