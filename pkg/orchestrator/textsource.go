package orchestrator

import (
	"io"
	"strings"
)

type staticText struct {
	text string
	done bool
}

// StaticText is a TextSource that yields text once.
func StaticText(text string) TextSource {
	return &staticText{text: text}
}

func (s *staticText) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

// TextSourceFunc adapts a function to TextSource.
type TextSourceFunc func() (string, error)

func (f TextSourceFunc) Next() (string, error) { return f() }

// DrainText reads src to the end and joins the fragments.
func DrainText(src TextSource) (string, error) {
	var sb strings.Builder
	for {
		frag, err := src.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag)
	}
}

var fragmentReplacer = strings.NewReplacer(
	"—", "-",
	"–", "-",
	"“", "\"",
	"”", "\"",
	"‘", "'",
	"’", "'",
	"…", "...",
)

// NormalizeFragment maps typographic punctuation to plain ASCII so
// synthesizers pronounce it consistently.
func NormalizeFragment(s string) string {
	return fragmentReplacer.Replace(s)
}
