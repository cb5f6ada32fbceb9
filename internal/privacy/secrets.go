// Package privacy scrubs sensitive data from free text agents type into notes.
package privacy

import "regexp"

// Redaction replaces every scrubbed value.
const Redaction = "[REDACTED]"

// cardPattern matches 13-19 digits optionally grouped by spaces or dashes.
// Matches are only redacted when they pass the Luhn check so policy and
// phone numbers survive.
var cardPattern = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)

// sensitivePatterns are redacted unconditionally. Patterns with a capture
// group keep it, so labels such as "account:" stay readable.
var sensitivePatterns = []*regexp.Regexp{
	// US social security numbers
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),

	// IBAN
	regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){3,7}(?: ?[A-Z0-9]{1,3})?\b`),

	// Labelled account and routing numbers
	regexp.MustCompile(`(?i)\b((?:account|acct|routing)(?:\s*(?:no|number))?\s*[:=#]?\s*)\d{6,17}\b`),

	// Card security codes
	regexp.MustCompile(`(?i)\b((?:cvv|cvc|security code)\s*[:=]?\s*)\d{3,4}\b`),
}

// ContainsSensitive reports whether text holds anything RedactNotes would scrub.
func ContainsSensitive(text string) bool {
	if text == "" {
		return false
	}
	for _, m := range cardPattern.FindAllString(text, -1) {
		if luhnValid(m) {
			return true
		}
	}
	for _, p := range sensitivePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactNotes replaces sensitive values with Redaction.
func RedactNotes(text string) string {
	if text == "" {
		return text
	}

	result := cardPattern.ReplaceAllStringFunc(text, func(match string) string {
		if luhnValid(match) {
			return Redaction
		}
		return match
	})

	for _, p := range sensitivePatterns {
		if p.NumSubexp() > 0 {
			result = p.ReplaceAllString(result, "${1}"+Redaction)
		} else {
			result = p.ReplaceAllString(result, Redaction)
		}
	}
	return result
}

// luhnValid runs the card number checksum over the digits of s.
func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}
