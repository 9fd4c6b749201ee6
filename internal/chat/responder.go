package chat

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SendFunc posts one message to the platform.
type SendFunc func(ctx context.Context, text string) error

// ResponderOptions tune the streaming responder per platform.
type ResponderOptions struct {
	// MaxBuffer is the soft limit at which accumulated text is flushed.
	MaxBuffer int
	// HardLimit is the platform's per-message ceiling; no sent chunk exceeds it.
	HardLimit int
	// MinInterval is the minimum gap between consecutive sends, measured from
	// the last successful send.
	MinInterval time.Duration
}

// DiscordResponderOptions match Discord's 2000-char message ceiling.
func DiscordResponderOptions() ResponderOptions {
	return ResponderOptions{MaxBuffer: 1500, HardLimit: 2000, MinInterval: 2 * time.Second}
}

// TelegramResponderOptions match Telegram's 4096-char message ceiling.
func TelegramResponderOptions() ResponderOptions {
	return ResponderOptions{MaxBuffer: 3500, HardLimit: 4096, MinInterval: 2 * time.Second}
}

// Responder buffers assistant text and posts it in paced, fence-safe chunks.
type Responder struct {
	opts ResponderOptions
	send SendFunc

	mu       sync.Mutex
	buf      strings.Builder
	lastSend time.Time
	sent     bool

	now   func() time.Time
	sleep func(time.Duration)
}

// NewResponder creates a responder delivering through send.
func NewResponder(send SendFunc, opts ResponderOptions) *Responder {
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 1500
	}
	if opts.HardLimit <= 0 {
		opts.HardLimit = 2000
	}
	return &Responder{
		opts:  opts,
		send:  send,
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Add appends a chunk of assistant text and sends when the buffer is full or
// ends on a natural break outside any code fence.
func (r *Responder) Add(ctx context.Context, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf.WriteString(chunk)
	if r.buf.Len() >= r.opts.MaxBuffer || endsOnNaturalBreak(r.buf.String()) {
		return r.emitLocked(ctx)
	}
	return nil
}

// Flush sends any residual buffered text.
func (r *Responder) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitLocked(ctx)
}

// HasSentMessages reports whether at least one message went out.
func (r *Responder) HasSentMessages() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func (r *Responder) emitLocked(ctx context.Context) error {
	text := strings.TrimSpace(r.buf.String())
	r.buf.Reset()
	if text == "" {
		return nil
	}

	chunks := SplitMessage(text, r.opts.HardLimit)
	for i, chunk := range chunks {
		if r.opts.MinInterval > 0 && !r.lastSend.IsZero() {
			if wait := r.opts.MinInterval - r.now().Sub(r.lastSend); wait > 0 {
				r.sleep(wait)
			}
		}
		if err := r.send(ctx, chunk); err != nil {
			// Put the whole unsent tail back, failed chunk included, so
			// Flush can retry without a hole in the reply.
			r.buf.WriteString(strings.Join(chunks[i:], "\n"))
			return err
		}
		r.lastSend = r.now()
		r.sent = true
	}
	return nil
}

// endsOnNaturalBreak reports whether text ends at a spot safe to post: a blank
// line or a sentence terminator at end of line, and never inside a code fence.
func endsOnNaturalBreak(text string) bool {
	if insideFence(text) {
		return false
	}
	if strings.HasSuffix(text, "\n\n") {
		return true
	}
	trimmed := strings.TrimRight(text, " \t")
	if !strings.HasSuffix(trimmed, "\n") {
		return false
	}
	line := strings.TrimRight(trimmed, "\n")
	if line == "" {
		return true
	}
	switch line[len(line)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func insideFence(text string) bool {
	open := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
		}
	}
	return open
}

// SplitMessage splits text into chunks of at most limit bytes, breaking at
// line boundaries. A split inside a code block closes the fence at the break
// and reopens it, language tag included, at the start of the next chunk.
func SplitMessage(text string, limit int) []string {
	if limit < 16 {
		limit = 16
	}
	// Leave room for the closing fence line a split may need to append.
	budget := limit - 4

	var chunks []string
	var cur []string
	curLen := 0
	openFence := false
	fenceLang := ""

	push := func(line string) {
		add := len(line)
		if curLen > 0 {
			add++
		}
		cur = append(cur, line)
		curLen += add
	}

	emit := func() {
		if curLen == 0 {
			return
		}
		chunk := strings.Join(cur, "\n")
		if openFence {
			chunk += "\n```"
		}
		chunks = append(chunks, chunk)
		cur = nil
		curLen = 0
		if openFence {
			push("```" + fenceLang)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		// Hard-wrap a single line longer than the budget.
		for len(line) > budget {
			space := budget - curLen - 1
			if space <= 0 {
				emit()
				space = budget - curLen - 1
			}
			push(line[:space])
			emit()
			line = line[space:]
		}

		add := len(line)
		if curLen > 0 {
			add++
		}
		if curLen+add > budget {
			emit()
		}
		push(line)

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if openFence {
				openFence = false
				fenceLang = ""
			} else {
				openFence = true
				fenceLang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
		}
	}

	if curLen > 0 {
		// Final chunk keeps the text as written, even if a fence is unbalanced.
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}
