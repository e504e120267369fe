// Package validator implements the InputValidator: pattern- and
// heuristic-based threat classification with optional sanitization.
package validator

import (
	"html"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/internal/platform/logging"
	"github.com/turtacn/docbatch/pkg/batch"
)

// PIIDetector is an injected capability for detecting personally
// identifiable information. Concrete detectors are out of scope for the
// core (spec §1); NopPIIDetector is the default.
type PIIDetector interface {
	Detect(payload []byte) (found bool, confidence float64)
}

// NopPIIDetector never flags PII. It is the default detector when none is
// injected.
type NopPIIDetector struct{}

// Detect always reports no PII found.
func (NopPIIDetector) Detect(_ []byte) (bool, float64) { return false, 0 }

var (
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
		regexp.MustCompile(`(?i)disregard\s+(the\s+)?(above|prior)\s+instructions`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s+mode`),
		regexp.MustCompile(`(?i)system\s*prompt\s*:`),
	}
	scriptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[\s>]`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)on(load|error|click)\s*=`),
	}
	sqlPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bunion\s+select\b`),
		regexp.MustCompile(`(?i)\bdrop\s+table\b`),
		regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b`),
		regexp.MustCompile(`(?i);\s*--`),
	}
	traversalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\.\./`),
		regexp.MustCompile(`\.\.\\`),
		regexp.MustCompile(`(?i)%2e%2e[/\\]`),
	}
	unsafeSchemePrefixes = []string{"javascript:", "vbscript:", "data:text/html"}
)

// Result is the outcome of one Validate call.
type Result struct {
	Valid       bool
	ThreatLevel batch.ThreatLevel
	Violations  []string
	Sanitized   []byte
	Metadata    map[string]any
}

// Validator is the InputValidator.
type Validator struct {
	cfg       config.ValidatorConfig
	detector  PIIDetector
	logger    logging.Logger
	allowlist map[string]struct{}
	denylist  map[string]struct{}
}

// Option configures a Validator at construction.
type Option func(*Validator)

// WithPIIDetector injects a PIIDetector implementation.
func WithPIIDetector(d PIIDetector) Option {
	return func(v *Validator) { v.detector = d }
}

// New constructs a Validator. logger may be nil.
func New(cfg config.ValidatorConfig, logger logging.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	v := &Validator{
		cfg:       cfg,
		detector:  NopPIIDetector{},
		logger:    logger.Named("input_validator"),
		allowlist: toSet(cfg.AllowedFileExts),
		denylist:  toSet(cfg.DeniedFileExts),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func toSet(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[strings.ToLower(it)] = struct{}{}
	}
	return s
}

// Validate runs the full ordered check pipeline over payload and an
// optional file path (empty string when not applicable).
func (v *Validator) Validate(payload []byte, filePath string) Result {
	var violations []string
	level := batch.ThreatNone
	meta := make(map[string]any)

	raise := func(l batch.ThreatLevel, tag string) {
		violations = append(violations, tag)
		if l > level {
			level = l
		}
	}

	// 1. Size limits.
	if v.cfg.MaxLength > 0 && len(payload) > v.cfg.MaxLength {
		raise(batch.ThreatLow, "size_exceeded")
	}
	if v.cfg.MaxLineLength > 0 || v.cfg.MaxLines > 0 {
		lines := strings.Split(string(payload), "\n")
		if v.cfg.MaxLines > 0 && len(lines) > v.cfg.MaxLines {
			raise(batch.ThreatLow, "too_many_lines")
		}
		if v.cfg.MaxLineLength > 0 {
			for _, ln := range lines {
				if len(ln) > v.cfg.MaxLineLength {
					raise(batch.ThreatLow, "line_too_long")
					break
				}
			}
		}
	}

	// 2. Encoding.
	if !utf8.Valid(payload) {
		raise(batch.ThreatLow, "invalid_utf8")
	}
	if hasDisallowedControlChars(payload) {
		raise(batch.ThreatLow, "control_chars")
	}
	if v.cfg.ASCIIOnly && !isASCII(payload) {
		raise(batch.ThreatLow, "non_ascii")
	}

	// 3. Pattern detection.
	text := string(payload)
	if matchAny(injectionPatterns, text) {
		raise(batch.ThreatHigh, "prompt_injection")
	}
	if matchAny(scriptPatterns, text) {
		raise(batch.ThreatHigh, "script_injection")
	}
	if matchAny(traversalPatterns, text) {
		raise(batch.ThreatHigh, "path_traversal")
	}
	if matchAny(sqlPatterns, text) {
		raise(batch.ThreatMedium, "sql_injection")
	}

	// 4. File-type check.
	if filePath != "" {
		ext := strings.ToLower(extOf(filePath))
		if len(v.denylist) > 0 {
			if _, denied := v.denylist[ext]; denied {
				raise(batch.ThreatHigh, "denied_file_type")
			}
		}
		if len(v.allowlist) > 0 {
			if _, allowed := v.allowlist[ext]; !allowed {
				raise(batch.ThreatHigh, "disallowed_file_type")
			}
		}
	}

	// 5. Shannon entropy.
	entropy := shannonEntropy(payload)
	meta["entropy"] = entropy
	threshold := v.cfg.EntropyThreshold
	if threshold <= 0 {
		threshold = 4.5
	}
	if entropy > threshold {
		raise(batch.ThreatMedium, "high_entropy")
	}

	// 6. PII detection.
	if found, confidence := v.detector.Detect(payload); found {
		confThreshold := v.cfg.PIIConfidence
		if confThreshold <= 0 {
			confThreshold = 0.8
		}
		if confidence >= confThreshold {
			raise(batch.ThreatHigh, "pii_detected")
		}
	}

	// 7. Domain extraction / unknown-domain heuristics.
	for _, domain := range extractDomains(text) {
		if looksSuspicious(domain) {
			raise(batch.ThreatMedium, "suspicious_domain")
		}
	}

	result := Result{
		ThreatLevel: level,
		Violations:  violations,
		Metadata:    meta,
	}
	result.Valid = level < batch.ThreatHigh

	if result.Valid && level != batch.ThreatNone {
		result.Sanitized = sanitize(payload)
	}

	return result
}

func hasDisallowedControlChars(payload []byte) bool {
	for _, b := range payload {
		if b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		if b < 0x20 {
			return true
		}
	}
	return false
}

func isASCII(payload []byte) bool {
	for _, b := range payload {
		if b > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}

func shannonEntropy(payload []byte) float64 {
	if len(payload) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range payload {
		freq[b]++
	}
	n := float64(len(payload))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

var urlPattern = regexp.MustCompile(`https?://([^/\s]+)`)

func extractDomains(text string) []string {
	matches := urlPattern.FindAllStringSubmatch(text, -1)
	domains := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 {
			domains = append(domains, m[1])
		}
	}
	return domains
}

func looksSuspicious(domain string) bool {
	host := domain
	if u, err := url.Parse("http://" + domain); err == nil {
		host = u.Hostname()
	}
	labels := strings.Split(host, ".")
	if len(labels) >= 5 {
		return true
	}
	digits := 0
	for _, r := range host {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return digits > len(host)/2 && len(host) > 4
}

var allowedTags = map[string]struct{}{
	"b": {}, "i": {}, "em": {}, "strong": {}, "p": {}, "br": {},
}

var htmlTagPattern = regexp.MustCompile(`(?i)</?([a-zA-Z0-9]+)[^>]*>`)

func sanitize(payload []byte) []byte {
	text := string(payload)

	for _, p := range injectionPatterns {
		text = p.ReplaceAllString(text, "[REDACTED]")
	}

	for _, prefix := range unsafeSchemePrefixes {
		text = regexp.MustCompile(`(?i)`+regexp.QuoteMeta(prefix)).ReplaceAllString(text, "blocked:")
	}

	text = htmlTagPattern.ReplaceAllStringFunc(text, func(tag string) string {
		m := htmlTagPattern.FindStringSubmatch(tag)
		if len(m) < 2 {
			return html.EscapeString(tag)
		}
		if _, ok := allowedTags[strings.ToLower(m[1])]; ok {
			return tag
		}
		return html.EscapeString(tag)
	})

	return []byte(text)
}
