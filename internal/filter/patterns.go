package filter

import "regexp"

// Predefined pattern names accepted by TypePattern rules.
const (
	PatternEmail      = "email"
	PatternPhone      = "phone"
	PatternURL        = "url"
	PatternCreditCard = "credit_card"
	PatternSSN        = "ssn"
	PatternIP         = "ip"
	PatternMAC        = "mac"
)

// predefinedPatterns is the fixed library of named patterns. These favor
// recall over precision; credit-card and SSN shapes are matched without
// checksum validation.
var predefinedPatterns = map[string]*regexp.Regexp{
	PatternEmail:      regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
	PatternPhone:      regexp.MustCompile(`\b\+?[0-9][0-9\-\s().]{7,18}[0-9]\b`),
	PatternURL:        regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+`),
	PatternCreditCard: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
	PatternSSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	PatternIP:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	PatternMAC:        regexp.MustCompile(`(?i)\b(?:[0-9a-f]{2}[:-]){5}[0-9a-f]{2}\b`),
}

// PredefinedPatternNames returns the names usable in TypePattern rules.
func PredefinedPatternNames() []string {
	return []string{
		PatternEmail, PatternPhone, PatternURL,
		PatternCreditCard, PatternSSN, PatternIP, PatternMAC,
	}
}
