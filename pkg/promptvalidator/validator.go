// Package promptvalidator accepts or rejects agent prompts before dispatch
// and sanitizes their content. Validation runs security-first: injection
// scan, then size, then structure, then forbidden-content scan, so a
// malicious prompt is rejected before its size or structure is even
// inspected.
package promptvalidator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

const component = "prompt_validator"

const (
	maxChars   = 500
	maxTokens  = 125
	maxTaskLen = 200
	minFiles   = 1
	maxFiles   = 5
)

// EstimateTokens applies the fixed ceil(chars/4) estimator.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len([]rune(s)) + 3) / 4
}

// Severity ranks an injection match. Higher severities win when multiple
// patterns match the same prompt.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Result is the outcome of Validate.
type Result struct {
	Accepted        bool
	Sanitized       string
	EstimatedTokens int
	InjectionHits   []InjectionMatch
}

// InjectionMatch records one pattern that fired during the injection scan.
type InjectionMatch struct {
	Pattern  string
	Severity Severity
}

type injectionRule struct {
	name     string
	re       *regexp.Regexp
	severity Severity
}

// injectionRules is the OWASP LLM01-style pattern set, walked in full on
// every prompt; the HIGHEST-severity match among all hits determines the
// rejection, not the first match found.
var injectionRules = []injectionRule{
	{
		name:     "destructive-command-after-execute",
		re:       regexp.MustCompile(`(?i)\bexecute\s*:\s*(rm\s+-rf|drop\s+table|del\s+/[sf]|format\s+[a-z]:|shutdown\b)`),
		severity: SeverityCritical,
	},
	{
		name:     "instruction-override",
		re:       regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)\b`),
		severity: SeverityHigh,
	},
	{
		name:     "role-impersonation",
		re:       regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\b|\bact\s+as\s+(system|root|administrator|developer\s+mode)\b`),
		severity: SeverityHigh,
	},
	{
		name:     "delimiter-attack-destructive",
		re:       regexp.MustCompile(`(?i)(---+|===+|###+)\s*(system|drop\s+table|rm\s+-rf|;\s*shutdown)`),
		severity: SeverityHigh,
	},
	{
		name:     "code-block",
		re:       regexp.MustCompile("```"),
		severity: SeverityMedium,
	},
	{
		name:     "triple-quote-block",
		re:       regexp.MustCompile(`"""`),
		severity: SeverityMedium,
	},
	{
		name:     "template-expansion",
		re:       regexp.MustCompile(`\$\{[^}]*\}`),
		severity: SeverityMedium,
	},
	{
		name:     "generic-override-phrasing",
		re:       regexp.MustCompile(`(?i)\b(override|replace)\s+(the\s+)?system\s+(instructions?|prompt)\b`),
		severity: SeverityLow,
	},
}

// DetectInjection walks every rule against text and returns all matches.
// Callers wanting the worst-case severity should call WorstSeverity.
func DetectInjection(text string) []InjectionMatch {
	var hits []InjectionMatch
	for _, rule := range injectionRules {
		if rule.re.MatchString(text) {
			hits = append(hits, InjectionMatch{Pattern: rule.name, Severity: rule.severity})
		}
	}
	return hits
}

// WorstSeverity returns the highest severity among hits, or (0, false) if
// hits is empty.
func WorstSeverity(hits []InjectionMatch) (Severity, bool) {
	if len(hits) == 0 {
		return 0, false
	}
	worst := hits[0].Severity
	for _, h := range hits[1:] {
		if h.Severity > worst {
			worst = h.Severity
		}
	}
	return worst, true
}

var forbiddenPhrases = []struct {
	phrase string
	code   codes.Code
}{
	{"conversation history", codes.ContainsConversationHistory},
	{"claude.md rules", codes.ContainsClaudeMDRules},
	{"previous agent", codes.ContainsPreviousAgentOutput},
}

var sectionRe = regexp.MustCompile(`(?m)^(Task|Files|Output|Rules):[ \t]*(.*)$`)

type sections struct {
	task   string
	files  []string
	output string
	rules  string
}

func parseSections(prompt string) sections {
	var s sections
	matches := sectionRe.FindAllStringSubmatch(prompt, -1)
	for _, m := range matches {
		label, value := m[1], strings.TrimSpace(m[2])
		switch label {
		case "Task":
			s.task = value
		case "Files":
			s.files = splitFiles(value)
		case "Output":
			s.output = value
		case "Rules":
			s.rules = value
		}
	}
	return s
}

func splitFiles(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate runs the full validation pipeline — injection, size, structure,
// forbidden content — in that order, returning the first failure as a
// *codes.Error. On success the prompt is sanitized and returned in Result.
func Validate(prompt string) (Result, error) {
	// 1. injection (security first)
	hits := DetectInjection(prompt)
	if worst, found := WorstSeverity(hits); found {
		return Result{InjectionHits: hits}, codes.New(component, codes.InjectionDetected,
			fmt.Sprintf("prompt rejected: injection pattern detected (severity=%s)", worst)).
			WithContext(map[string]any{"matches": hits})
	}

	// 2. size
	chars := len([]rune(prompt))
	if chars > maxChars {
		return Result{}, codes.New(component, codes.PromptTooLarge,
			fmt.Sprintf("prompt exceeds %d characters (got %d)", maxChars, chars))
	}
	tokens := EstimateTokens(prompt)
	if tokens > maxTokens {
		return Result{}, codes.New(component, codes.TooManyTokens,
			fmt.Sprintf("prompt exceeds %d estimated tokens (got %d)", maxTokens, tokens))
	}

	// 3. structure
	sec := parseSections(prompt)
	if sec.task == "" {
		return Result{}, codes.New(component, codes.MissingTask, "missing required Task: section")
	}
	if len([]rune(sec.task)) > maxTaskLen {
		return Result{}, codes.New(component, codes.MissingTask,
			fmt.Sprintf("Task: section exceeds %d characters", maxTaskLen))
	}
	if len(sec.files) < minFiles || len(sec.files) > maxFiles {
		return Result{}, codes.New(component, codes.MissingFiles,
			fmt.Sprintf("Files: section must list between %d and %d entries (got %d)", minFiles, maxFiles, len(sec.files)))
	}
	if sec.output == "" {
		return Result{}, codes.New(component, codes.MissingOutput, "missing required Output: section")
	}
	if !strings.Contains(strings.ToLower(sec.output), "json") {
		return Result{}, codes.New(component, codes.InvalidOutputFormat, "Output: section must mention json")
	}
	if sec.rules == "" {
		return Result{}, codes.New(component, codes.MissingRules, "missing required Rules: section")
	}

	// 4. forbidden content
	lower := strings.ToLower(prompt)
	for _, f := range forbiddenPhrases {
		if strings.Contains(lower, f.phrase) {
			return Result{}, codes.New(component, f.code,
				fmt.Sprintf("prompt contains forbidden content: %q", f.phrase))
		}
	}

	return Result{
		Accepted:        true,
		Sanitized:       Sanitize(prompt),
		EstimatedTokens: tokens,
	}, nil
}

var (
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	phoneRe      = regexp.MustCompile(`\b(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)
)

// Sanitize escapes shell-meaningful characters, redacts likely PII with
// labeled placeholders, and strips control and zero-width characters.
func Sanitize(s string) string {
	s = emailRe.ReplaceAllString(s, "[REDACTED_EMAIL]")
	s = ssnRe.ReplaceAllString(s, "[REDACTED_SSN]")
	s = creditCardRe.ReplaceAllString(s, "[REDACTED_CARD]")
	s = phoneRe.ReplaceAllString(s, "[REDACTED_PHONE]")

	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "`", "\\`")
	s = strings.ReplaceAll(s, "$", "\\$")

	s = stripControlAndZeroWidth(s)
	return s
}

func stripControlAndZeroWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if isZeroWidth(r) {
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\U0000200B', '\U0000200C', '\U0000200D', '\U00002060', '\U0000FEFF':
		return true
	default:
		return false
	}
}
