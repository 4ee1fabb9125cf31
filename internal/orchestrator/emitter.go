package orchestrator

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parleyhq/parley/internal/hub"
)

// Frame tags for auxiliary events on the outgoing stream. Content deltas
// are plain text; everything else is sentinel-framed as
// __TAG__<json>__END__ so a naive concatenating reader still yields a
// sensible answer body.
const (
	frameEnd      = "__END__"
	TagReferences = "__REFERENCES__"
	TagToolStatus = "__TOOL_STATUS__"
	TagGraphData  = "__GRAPH_DATA__"
)

// Emitter receives the outgoing stream for one turn.
type Emitter interface {
	// Delta forwards a piece of answer text.
	Delta(text string)
	// Frame emits an auxiliary tagged event.
	Frame(tag string, payload any)
}

// EncodeFrame renders one sentinel-framed auxiliary event.
func EncodeFrame(tag string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return tag + string(data) + frameEnd
}

// hubEmitter publishes the stream to the session's hub topic.
type hubEmitter struct {
	hub   *hub.Hub
	topic string
}

func newHubEmitter(h *hub.Hub, sessionID string) *hubEmitter {
	return &hubEmitter{hub: h, topic: hub.SessionTopic(sessionID)}
}

func (e *hubEmitter) Delta(text string) {
	e.hub.Publish(e.topic, []byte(text))
}

func (e *hubEmitter) Frame(tag string, payload any) {
	if frame := EncodeFrame(tag, payload); frame != "" {
		e.hub.Publish(e.topic, []byte(frame))
	}
}

// nullEmitter discards the stream; used when only the final result
// matters.
type nullEmitter struct{}

func (nullEmitter) Delta(string)      {}
func (nullEmitter) Frame(string, any) {}

// toolStatusPayload is the body of a __TOOL_STATUS__ frame. Turn-level
// state transitions omit Tool; per-call activity carries it.
type toolStatusPayload struct {
	State string `json:"state"`
	Tool  string `json:"tool,omitempty"`
}

// chunkDelay paces repacketized deltas so the client renders them as a
// steady stream rather than one burst.
const chunkDelay = 5 * time.Millisecond

// chunkingEmitter repacketizes deltas into pieces of at most size bytes,
// never splitting a rune. Smart mode prefers breaking at whitespace so
// words arrive whole. Frames flush the buffer first to keep ordering.
type chunkingEmitter struct {
	inner Emitter
	size  int
	smart bool
	delay time.Duration
	buf   strings.Builder
}

func newChunkingEmitter(inner Emitter, size int, smart bool, delay time.Duration) *chunkingEmitter {
	return &chunkingEmitter{inner: inner, size: size, smart: smart, delay: delay}
}

func (e *chunkingEmitter) Delta(text string) {
	e.buf.WriteString(text)
	for e.buf.Len() >= e.size {
		pending := e.buf.String()
		cut := runeCut(pending, e.size)
		if e.smart {
			if sp := strings.LastIndexByte(pending[:cut], ' '); sp >= e.size/2 {
				cut = sp + 1
			}
		}
		if cut == 0 {
			// A single rune wider than the chunk size still has to move.
			_, cut = utf8.DecodeRuneInString(pending)
		}
		e.inner.Delta(pending[:cut])
		e.buf.Reset()
		e.buf.WriteString(pending[cut:])
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
	}
}

func (e *chunkingEmitter) Frame(tag string, payload any) {
	e.Flush()
	e.inner.Frame(tag, payload)
}

// Flush emits whatever is left in the buffer.
func (e *chunkingEmitter) Flush() {
	if e.buf.Len() > 0 {
		e.inner.Delta(e.buf.String())
		e.buf.Reset()
	}
}
