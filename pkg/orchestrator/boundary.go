package orchestrator

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var defaultSplitRunes = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true, ':': true,
	'\n': true, '-': true, '。': true, '、': true,
}

// BoundaryDetector finds the earliest point in streamed answer text where
// a quick answer can be cut off and spoken on its own.
type BoundaryDetector struct {
	splits      map[rune]bool
	minLen      int
	maxLen      int
	minAlphaNum int
}

func NewBoundaryDetector(cfg PipelineConfig) *BoundaryDetector {
	return &BoundaryDetector{
		splits:      defaultSplitRunes,
		minLen:      cfg.BoundaryMinLength,
		maxLen:      cfg.BoundaryMaxLength,
		minAlphaNum: cfg.BoundaryMinAlphaNum,
	}
}

// Cut scans the first maxLen runes of text for a split rune at which the
// head is at least minLen runes long and holds minAlphaNum letters or
// digits. A run of split runes such as "..." or "?!" stays whole in the
// head. The tail is returned without leading whitespace.
func (d *BoundaryDetector) Cut(text string) (head, tail string, ok bool) {
	runes := 0
	alnum := 0
	for i, r := range text {
		runes++
		if d.maxLen > 0 && runes > d.maxLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
		if !d.splits[r] {
			continue
		}
		if runes >= d.minLen && alnum >= d.minAlphaNum {
			end := i + utf8.RuneLen(r)
			for end < len(text) {
				next, size := utf8.DecodeRuneInString(text[end:])
				if !d.splits[next] {
					break
				}
				end += size
			}
			return text[:end], strings.TrimLeftFunc(text[end:], unicode.IsSpace), true
		}
	}
	return "", "", false
}
