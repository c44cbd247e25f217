package dialog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitterCutsAtTerminators(t *testing.T) {
	var s Splitter

	assert.Empty(t, s.Feed("今天天气"))
	assert.Equal(t, []string{"今天天气不错。"}, s.Feed("不错。"))
	assert.Equal(t, []string{"适合出门！"}, s.Feed("适合出门！"))
	assert.Empty(t, s.Flush())
}

func TestSplitterMultipleSentencesInOneToken(t *testing.T) {
	var s Splitter

	got := s.Feed("好的。没问题！还有吗？")
	assert.Equal(t, []string{"好的。", "没问题！", "还有吗？"}, got)
}

func TestSplitterNewlineTerminates(t *testing.T) {
	var s Splitter

	got := s.Feed("第一行\n第二行")
	assert.Equal(t, []string{"第一行"}, got)
	assert.Equal(t, "第二行", s.Flush())
}

func TestSplitterFlushReturnsTrailingFragment(t *testing.T) {
	var s Splitter

	s.Feed("这句话没有结尾")
	assert.Equal(t, "这句话没有结尾", s.Flush())
	// Flush drains; a second call has nothing left.
	assert.Empty(t, s.Flush())
}

func TestSplitterTrimsWhitespace(t *testing.T) {
	var s Splitter

	// Pure whitespace before a newline yields nothing.
	assert.Empty(t, s.Feed("  \n"))
	// A bare terminator survives the trim; only the padding goes.
	assert.Equal(t, []string{"。"}, s.Feed(" 。"))
	assert.Empty(t, s.Flush())
}

func TestSplitterConcatenationProperty(t *testing.T) {
	// Joining everything emitted (pre-trim boundaries are terminator-exact)
	// reproduces the stream text once whitespace is ignored.
	tokens := []string{"你好", "。今天", "天气怎么样？", "出门", "记得带伞。剩下的"}
	var s Splitter

	var emitted []string
	for _, tok := range tokens {
		emitted = append(emitted, s.Feed(tok)...)
	}
	if tail := s.Flush(); tail != "" {
		emitted = append(emitted, tail)
	}

	joined := strings.Join(emitted, "")
	full := strings.Join(tokens, "")
	assert.Equal(t, strings.ReplaceAll(full, " ", ""), strings.ReplaceAll(joined, " ", ""))
}
