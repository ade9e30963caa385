package usecase

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const defaultMaxQuestionLen = 500

// DefaultDenyPatterns matches common instruction-override attempts in English
// and Dutch.
var DefaultDenyPatterns = []string{
	`ignore\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts?|rules)`,
	`disregard\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts?|rules)`,
	`forget\s+(all\s+)?(your|the)\s+(previous\s+)?(instructions|rules)`,
	`(reveal|show|print|repeat)\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
	`you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s+mode`,
	`negeer\s+(alle\s+)?(de\s+)?(vorige|eerdere|bovenstaande)\s+(instructies|opdrachten|regels)`,
	`vergeet\s+(alle\s+)?(je|jouw|de)\s+(vorige\s+)?(instructies|regels)`,
	`(toon|laat)\s+(me\s+)?(je|jouw|de)\s+(systeem\s*)?prompt`,
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// Sanitizer normalizes user questions before anything expensive runs.
type Sanitizer struct {
	maxLen   int
	denyList []*regexp.Regexp
}

// NewSanitizer compiles the deny-list case-insensitively. A nil patterns slice
// selects DefaultDenyPatterns; an empty non-nil slice disables the deny-list.
func NewSanitizer(maxLen int, patterns []string) (*Sanitizer, error) {
	if maxLen <= 0 {
		maxLen = defaultMaxQuestionLen
	}
	if patterns == nil {
		patterns = DefaultDenyPatterns
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("usecase: compile deny pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &Sanitizer{maxLen: maxLen, denyList: compiled}, nil
}

// Sanitize collapses whitespace, rejects empty or denied input and truncates
// to the configured number of characters. The deny-list is matched against
// the full text, before truncation.
func (s *Sanitizer) Sanitize(raw string) (string, error) {
	q := strings.TrimSpace(whitespaceRe.ReplaceAllString(raw, " "))
	if q == "" {
		return "", newError(ErrorValidation, "empty_question", nil)
	}
	for _, re := range s.denyList {
		if re.MatchString(q) {
			return "", newError(ErrorValidation, "disallowed_content", nil)
		}
	}
	if utf8.RuneCountInString(q) > s.maxLen {
		q = string([]rune(q)[:s.maxLen])
	}
	return q, nil
}
