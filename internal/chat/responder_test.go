package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectingResponder(opts ResponderOptions) (*Responder, *[]string) {
	var sent []string
	r := NewResponder(func(_ context.Context, text string) error {
		sent = append(sent, text)
		return nil
	}, opts)
	r.sleep = func(time.Duration) {}
	return r, &sent
}

func TestResponderFlushSendsResidual(t *testing.T) {
	r, sent := collectingResponder(ResponderOptions{MaxBuffer: 1500, HardLimit: 2000})

	require.NoError(t, r.Add(context.Background(), "partial output"))
	assert.Empty(t, *sent, "short text without a break stays buffered")
	assert.False(t, r.HasSentMessages())

	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, *sent, 1)
	assert.Equal(t, "partial output", (*sent)[0])
	assert.True(t, r.HasSentMessages())
}

func TestResponderSendsOnNaturalBreak(t *testing.T) {
	r, sent := collectingResponder(ResponderOptions{MaxBuffer: 1500, HardLimit: 2000})

	require.NoError(t, r.Add(context.Background(), "First paragraph done.\n\n"))
	require.Len(t, *sent, 1)
	assert.Equal(t, "First paragraph done.", (*sent)[0])
}

func TestResponderHoldsInsideCodeFence(t *testing.T) {
	r, sent := collectingResponder(ResponderOptions{MaxBuffer: 1500, HardLimit: 2000})

	require.NoError(t, r.Add(context.Background(), "```go\nfunc main() {}\n\n"))
	assert.Empty(t, *sent, "blank line inside a fence is not a break")

	require.NoError(t, r.Add(context.Background(), "```\n\n"))
	require.Len(t, *sent, 1)
}

func TestResponderSendsWhenBufferFull(t *testing.T) {
	r, sent := collectingResponder(ResponderOptions{MaxBuffer: 50, HardLimit: 2000})

	require.NoError(t, r.Add(context.Background(), strings.Repeat("word ", 20)))
	assert.NotEmpty(t, *sent)
}

func TestResponderPacing(t *testing.T) {
	var slept time.Duration
	r, _ := collectingResponder(ResponderOptions{MaxBuffer: 1500, HardLimit: 2000, MinInterval: 2 * time.Second})

	base := time.Now()
	r.now = func() time.Time { return base }
	r.sleep = func(d time.Duration) { slept += d }

	require.NoError(t, r.Add(context.Background(), "First.\n\n"))
	assert.Zero(t, slept, "first send goes immediately")

	require.NoError(t, r.Add(context.Background(), "Second.\n\n"))
	assert.Equal(t, 2*time.Second, slept, "second send waits out the interval")
}

func TestSplitMessageShortTextUnchanged(t *testing.T) {
	chunks := SplitMessage("hello world", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])
}

func TestSplitMessageBreaksAtLines(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("line of output\n", 30))
	chunks := SplitMessage(text, 100)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 100, "chunk %d", i)
		assert.False(t, strings.HasPrefix(c, "\n"))
	}
	joined := strings.Join(chunks, "\n")
	assert.Equal(t, text, joined)
}

func TestSplitMessagePreservesCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("Here is the diff:\n```go\n")
	for i := 0; i < 40; i++ {
		b.WriteString("fmt.Println(\"a longer line of generated code\")\n")
	}
	b.WriteString("```")

	chunks := SplitMessage(b.String(), 400)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 400, "chunk %d", i)
		// Every chunk is fence-balanced on its own.
		assert.Equal(t, 0, strings.Count(c, "```")%2, "chunk %d has unbalanced fences:\n%s", i, c)
	}
	// Continuation chunks reopen with the language tag.
	for _, c := range chunks[1:] {
		if strings.Contains(c, "fmt.Println") {
			assert.True(t, strings.HasPrefix(c, "```go\n"), "continuation chunk must reopen fence:\n%s", c)
		}
	}
}

func TestSplitMessageHardWrapsLongLine(t *testing.T) {
	text := strings.Repeat("x", 500)
	chunks := SplitMessage(text, 100)
	require.Greater(t, len(chunks), 1)
	total := 0
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 100, "chunk %d", i)
		total += len(c)
	}
	assert.Equal(t, 500, total)
}

func TestEndsOnNaturalBreak(t *testing.T) {
	assert.True(t, endsOnNaturalBreak("done.\n\n"))
	assert.True(t, endsOnNaturalBreak("done.\n"))
	assert.True(t, endsOnNaturalBreak("really?\n"))
	assert.False(t, endsOnNaturalBreak("still going"))
	assert.False(t, endsOnNaturalBreak("mid-list:\n"))
	assert.False(t, endsOnNaturalBreak("```go\ncode.\n"))
}

func TestResponderSendFailureKeepsText(t *testing.T) {
	calls := 0
	r := NewResponder(func(_ context.Context, text string) error {
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	}, ResponderOptions{MaxBuffer: 1500, HardLimit: 2000})
	r.sleep = func(time.Duration) {}

	err := r.Add(context.Background(), "important output.\n\n")
	require.Error(t, err)
	assert.False(t, r.HasSentMessages())

	require.NoError(t, r.Flush(context.Background()))
	assert.True(t, r.HasSentMessages())
}

func TestResponderMidEmitFailureKeepsTail(t *testing.T) {
	lines := make([]string, 25)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %02d of the reply", i+1)
	}
	text := strings.Join(lines, "\n")

	// Small hard limit forces the emit to split into several chunks.
	calls := 0
	var delivered []string
	r := NewResponder(func(_ context.Context, chunk string) error {
		calls++
		if calls == 2 {
			return assert.AnError
		}
		delivered = append(delivered, chunk)
		return nil
	}, ResponderOptions{MaxBuffer: 1500, HardLimit: 120})
	r.sleep = func(time.Duration) {}

	require.NoError(t, r.Add(context.Background(), text))
	require.Error(t, r.Flush(context.Background()))

	// Everything after the failed chunk stays buffered; the retry delivers
	// the full text with no hole in the middle.
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, text, strings.Join(delivered, "\n"))
}
