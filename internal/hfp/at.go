package hfp

import (
	"strconv"
	"strings"
)

// LineKind classifies a line received from the audio gateway.
type LineKind int

const (
	LineOther LineKind = iota
	LineOK
	LineError
	LineRing
	LineCLIP
	LineCIEV
)

// Line is one parsed result code from the phone.
type Line struct {
	Kind      LineKind
	Raw       string
	Number    string // +CLIP
	Indicator int    // +CIEV
	Value     int    // +CIEV
}

// ParseLine parses a single AT result line. Matching is case-insensitive
// and surrounding whitespace is ignored. A +CIEV or +CLIP line that cannot
// be decoded is reported as LineOther.
func ParseLine(raw string) Line {
	s := strings.ToUpper(strings.TrimSpace(raw))
	l := Line{Kind: LineOther, Raw: strings.TrimSpace(raw)}

	switch {
	case s == "OK":
		l.Kind = LineOK
	case s == "ERROR" || strings.HasPrefix(s, "+CME ERROR"):
		l.Kind = LineError
	case s == "RING":
		l.Kind = LineRing
	case strings.HasPrefix(s, "+CLIP"):
		if number, ok := quoted(l.Raw); ok {
			l.Kind = LineCLIP
			l.Number = number
		}
	case strings.HasPrefix(s, "+CIEV"):
		if ind, val, ok := indicator(s); ok {
			l.Kind = LineCIEV
			l.Indicator = ind
			l.Value = val
		}
	}
	return l
}

// quoted returns the first double-quoted field of s.
func quoted(s string) (string, bool) {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return "", false
	}
	number := s[start+1 : start+1+end]
	return number, number != ""
}

// indicator decodes "+CIEV: <ind>,<value>".
func indicator(s string) (int, int, bool) {
	_, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, false
	}
	a, b, ok := strings.Cut(rest, ",")
	if !ok {
		return 0, 0, false
	}
	ind, err := strconv.Atoi(strings.TrimSpace(a))
	if err != nil {
		return 0, 0, false
	}
	val, err := strconv.Atoi(strings.TrimSpace(b))
	if err != nil {
		return 0, 0, false
	}
	return ind, val, true
}

// Commands sent to the phone.
func dialCommand(number string) string { return "ATD" + number + ";" }

const (
	answerCommand = "ATA"
	hangupCommand = "AT+CHUP"
)
