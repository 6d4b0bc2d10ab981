package tts

import (
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-voice-pipeline/pkg/orchestrator"
)

// sentenceEnd matches the shortest prefix ending in terminal punctuation
// (optionally followed by a closing quote) or a comma.
var sentenceEnd = regexp.MustCompile(`(.+?[.!?]["']?\s+|.+?[.!?]["']?$|.+?,\s+|.+?,$)`)

const (
	defaultMinPhraseWords = 8
	defaultPhraseDeter    = 500 * time.Millisecond
)

// PhraseReader regroups streamed text into phrases worth one synthesis
// request each. Phrases shorter than minWords are merged into the next
// one; an unpunctuated buffer is flushed after deter has passed since the
// last phrase, and whatever is left is flushed at the end.
type PhraseReader struct {
	src      orchestrator.TextSource
	minWords int
	deter    time.Duration
	now      func() time.Time

	buf       string
	cached    string
	pending   []string
	lastFlush time.Time
	done      bool
}

func NewPhraseReader(src orchestrator.TextSource, minWords int) *PhraseReader {
	if minWords <= 0 {
		minWords = defaultMinPhraseWords
	}
	r := &PhraseReader{src: src, minWords: minWords, deter: defaultPhraseDeter, now: time.Now}
	r.lastFlush = r.now()
	return r
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Next returns the next phrase, or io.EOF once the source is exhausted and
// everything buffered has been returned.
func (r *PhraseReader) Next() (string, error) {
	for len(r.pending) == 0 {
		if r.done {
			return "", io.EOF
		}
		frag, err := r.src.Next()
		if err == io.EOF {
			r.flushTail()
			r.done = true
			continue
		}
		if err != nil {
			return "", err
		}
		r.buf += frag
		r.split()
	}
	p := r.pending[0]
	r.pending = r.pending[1:]
	return p, nil
}

func (r *PhraseReader) emit(p string) {
	r.pending = append(r.pending, p)
	r.lastFlush = r.now()
}

func (r *PhraseReader) split() {
	if wordCount(r.buf) < r.minWords {
		return
	}
	for {
		loc := sentenceEnd.FindStringIndex(r.buf)
		if loc == nil {
			break
		}
		phrase := strings.TrimSpace(r.buf[:loc[1]])
		r.buf = r.buf[loc[1]:]
		if r.cached != "" {
			phrase = strings.TrimSpace(r.cached + " " + phrase)
			r.cached = ""
		}
		if wordCount(phrase) < r.minWords {
			r.cached = phrase
		} else {
			r.emit(phrase)
		}
	}

	if r.buf != "" && r.now().Sub(r.lastFlush) > r.deter && wordCount(r.buf) >= r.minWords {
		tail := r.buf
		if r.cached != "" {
			tail = r.cached + " " + tail
			r.cached = ""
		}
		r.buf = ""
		r.emit(strings.TrimSpace(tail))
	}
}

func (r *PhraseReader) flushTail() {
	tail := r.buf
	if r.cached != "" {
		tail = r.cached + " " + tail
	}
	r.buf, r.cached = "", ""
	if tail = strings.TrimSpace(tail); tail != "" {
		r.emit(tail)
	}
}
