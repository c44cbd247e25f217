// Package dialog is the orchestration core: per-connection state machine,
// sentence splitting, turn execution and the connection registry.
package dialog

import "strings"

// sentenceTerminators end a speakable sentence. The newline covers models
// that paragraph-break instead of punctuating.
var sentenceTerminators = map[rune]bool{
	'。': true,
	'！': true,
	'？': true,
	'\n': true,
}

// Splitter accumulates streamed LLM tokens and cuts them into sentences at
// terminator runes. A sentence keeps its terminator, then gets trimmed of
// surrounding whitespace; fragments that trim to nothing are dropped.
type Splitter struct {
	buf strings.Builder
}

// Feed appends one token and returns any sentences completed by it.
func (s *Splitter) Feed(token string) []string {
	var sentences []string
	for _, r := range token {
		s.buf.WriteRune(r)
		if sentenceTerminators[r] {
			if sent := strings.TrimSpace(s.buf.String()); sent != "" {
				sentences = append(sentences, sent)
			}
			s.buf.Reset()
		}
	}
	return sentences
}

// Flush returns the trailing fragment at stream end, or "" if nothing
// speakable remains.
func (s *Splitter) Flush() string {
	sent := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return sent
}

// Reset drops any buffered fragment.
func (s *Splitter) Reset() {
	s.buf.Reset()
}
