package agent

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/kai648846760/iflow-bot/pkg/bus"
	"github.com/kai648846760/iflow-bot/pkg/constants"
)

// FlushFunc delivers one fragment of streamed output for (channel, chatID).
// final indicates the stream has ended and no further flushes will follow
// for this buffer.
type FlushFunc func(channel, chatID, text string, final bool)

// StreamBuffer accumulates one in-flight turn's streamed text for a single
// (channel, chat_id) key and decides when to flush, per the connector's
// streaming family. Exactly one StreamBuffer exists per active streamed
// turn; the agent loop creates it at stream start and discards it at
// stream end.
type StreamBuffer struct {
	mu sync.Mutex

	channel string
	chatID  string
	family  constants.StreamFamily
	flush   FlushFunc

	// accumulated is the full text seen so far, used by the card-edit and
	// edit-last-message families which re-send the cumulative snapshot.
	accumulated strings.Builder

	// edit-last-message family state.
	unflushedChars   int
	currentThreshold int

	// line-buffered family state.
	segmentBuffer     strings.Builder
	partialLineBuffer strings.Builder
	newlineCount      int
	inCodeBlock       bool
	splitThreshold    int
	// noSplit is set when splitThreshold <= 0: spec.md's "no split" mode,
	// where everything accumulates and a single message is emitted from
	// Finish, equal to the full stripped concatenation.
	noSplit bool
}

// NewStreamBuffer creates a buffer for the given connector's streaming
// family. splitThreshold is only meaningful for StreamFamilyLineBuffered;
// <= 0 means "no split" (buffer the whole turn, emit once on Finish)
// rather than a threshold of 1.
func NewStreamBuffer(channel, chatID string, family constants.StreamFamily, splitThreshold int, flush FlushFunc) *StreamBuffer {
	b := &StreamBuffer{
		channel:        channel,
		chatID:         chatID,
		family:         family,
		flush:          flush,
		splitThreshold: splitThreshold,
		noSplit:        splitThreshold <= 0,
	}
	b.currentThreshold = randomThreshold()
	return b
}

func randomThreshold() int {
	span := constants.StreamThresholdMax - constants.StreamThresholdMin
	if span <= 0 {
		return constants.StreamThresholdMin
	}
	return constants.StreamThresholdMin + rand.Intn(span+1)
}

// Append adds a delta chunk of agent output and flushes according to the
// buffer's streaming family's rules.
func (b *StreamBuffer) Append(delta string) {
	if delta == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.accumulated.WriteString(delta)

	switch b.family {
	case constants.StreamFamilyCardEdit:
		b.flushCardEditLocked(false)
	case constants.StreamFamilyEditLastMessage:
		b.appendEditLastMessageLocked(delta)
	case constants.StreamFamilyLineBuffered:
		b.appendLineBufferedLocked(delta)
	}
}

// Finish flushes any remaining buffered content and emits the stream
// terminator for the buffer's family.
func (b *StreamBuffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.family {
	case constants.StreamFamilyCardEdit:
		b.flushCardEditLocked(true)
	case constants.StreamFamilyEditLastMessage:
		// Spec.md §4.5 step 3: publish the final full snapshot, then an
		// empty _streaming_end=true terminator — one flush call with
		// final=true; the caller's FlushFunc is responsible for emitting
		// both outbound messages from it.
		b.flush(b.channel, b.chatID, b.accumulated.String(), true)
	case constants.StreamFamilyLineBuffered:
		// No explicit terminator for this family (spec.md §9 open
		// question (b)) — each flush is already a complete, independent
		// message; only the trailing partial line needs one last flush.
		if b.partialLineBuffer.Len() > 0 || b.segmentBuffer.Len() > 0 {
			b.segmentBuffer.WriteString(b.partialLineBuffer.String())
			b.partialLineBuffer.Reset()
		}
		if b.segmentBuffer.Len() > 0 {
			b.flush(b.channel, b.chatID, b.segmentBuffer.String(), false)
			b.segmentBuffer.Reset()
		}
	}
}

// FullText returns everything accumulated so far.
func (b *StreamBuffer) FullText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accumulated.String()
}

// flushCardEditLocked re-sends the full cumulative text every time; the
// connector replaces a single platform message in place (e.g. Feishu
// patches its interactive card), so there is no threshold to redraw.
func (b *StreamBuffer) flushCardEditLocked(final bool) {
	b.flush(b.channel, b.chatID, b.accumulated.String(), final)
}

// appendEditLastMessageLocked implements the edit-last-message family:
// flush a cumulative snapshot once unflushedChars reaches a threshold
// drawn uniformly from [StreamThresholdMin, StreamThresholdMax], then
// redraw the threshold for the next run.
func (b *StreamBuffer) appendEditLastMessageLocked(delta string) {
	b.unflushedChars += len([]rune(delta))
	if b.unflushedChars < b.currentThreshold {
		return
	}
	b.flush(b.channel, b.chatID, b.accumulated.String(), false)
	b.unflushedChars = 0
	b.currentThreshold = randomThreshold()
}

// appendLineBufferedLocked implements the line-buffered family: complete
// lines accumulate in segmentBuffer and flush as independent messages once
// newlineCount reaches splitThreshold, unless noSplit is set, in which case
// nothing flushes here and everything is emitted as one message from
// Finish. A partial (no trailing newline yet) line lives in
// partialLineBuffer until it's completed. Triple-backtick fences toggle
// inCodeBlock so newlines inside a fenced block never count toward the
// split threshold — a flush can't land mid code-block.
func (b *StreamBuffer) appendLineBufferedLocked(delta string) {
	b.partialLineBuffer.WriteString(delta)
	text := b.partialLineBuffer.String()

	lastNewline := strings.LastIndexByte(text, '\n')
	if lastNewline < 0 {
		return
	}

	complete := text[:lastNewline+1]
	rest := text[lastNewline+1:]
	b.partialLineBuffer.Reset()
	b.partialLineBuffer.WriteString(rest)

	for _, line := range strings.SplitAfter(complete, "\n") {
		if line == "" {
			continue
		}
		b.segmentBuffer.WriteString(line)
		if strings.Contains(line, "```") {
			b.inCodeBlock = !b.inCodeBlock
		}
		if !b.inCodeBlock {
			b.newlineCount++
		}
	}

	if !b.noSplit && b.newlineCount >= b.splitThreshold && !b.inCodeBlock {
		b.flush(b.channel, b.chatID, b.segmentBuffer.String(), false)
		b.segmentBuffer.Reset()
		b.newlineCount = 0
	}
}

// StreamRegistry tracks one active StreamBuffer per (channel, chat_id) key
// so chunk callbacks arriving from the transport's receive loop can find
// the buffer for their turn without threading it through every call site.
type StreamRegistry struct {
	mu      sync.Mutex
	buffers map[string]*StreamBuffer
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{buffers: make(map[string]*StreamBuffer)}
}

// Start registers a new buffer for the key, replacing any stale entry.
func (r *StreamRegistry) Start(channel, chatID string, family constants.StreamFamily, splitThreshold int, flush FlushFunc) *StreamBuffer {
	buf := NewStreamBuffer(channel, chatID, family, splitThreshold, flush)
	r.mu.Lock()
	r.buffers[bus.Key(channel, chatID)] = buf
	r.mu.Unlock()
	return buf
}

// Get returns the active buffer for the key, if any.
func (r *StreamRegistry) Get(channel, chatID string) (*StreamBuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[bus.Key(channel, chatID)]
	return buf, ok
}

// End finishes and removes the buffer for the key, if present.
func (r *StreamRegistry) End(channel, chatID string) {
	r.mu.Lock()
	buf, ok := r.buffers[bus.Key(channel, chatID)]
	delete(r.buffers, bus.Key(channel, chatID))
	r.mu.Unlock()
	if ok {
		buf.Finish()
	}
}
