// Package translator converts between the OpenAI chat-completion SSE
// protocol spoken by backend nodes and the Anthropic Messages SSE
// protocol spoken to clients. Translation is modeled as a push-based
// state machine: a reader goroutine parses upstream chunks and enqueues
// derived Anthropic events onto a bounded channel; a writer goroutine
// drains the channel to the client socket. The channel's bound is what
// carries backpressure from the client back to the upstream read loop,
// per this codebase's channel-mediated producer/consumer idiom
// elsewhere (the cluster scheduler's tick-skip loop, the cache
// coordinator's bounded warm-up semaphore).
package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/circuitbreaker"
	"github.com/clusterproxy/messages-proxy/internal/toolparser"
	"github.com/clusterproxy/messages-proxy/pkg/providerutils/streaming"
)

// watchdogTimeout is the maximum silence the client will tolerate
// before a synthetic message_stop is forced.
const watchdogTimeout = 60 * time.Second

// closeFlushTimeout bounds how long Close waits for a non-empty output
// buffer to drain before giving up.
const closeFlushTimeout = 5 * time.Second

// eventQueueDepth is the bounded channel size between the upstream
// reader and the client writer; a full channel makes the reader block,
// which is how backpressure reaches the upstream socket read.
const eventQueueDepth = 8

// outboundEvent is one event queued for the client writer.
type outboundEvent struct {
	name string
	data interface{}
}

// Translator drives one request's upstream-to-client translation.
type Translator struct {
	messageID string
	model     string

	mu         sync.Mutex
	nextIndex  int
	textIndex  *int
	toolBlocks map[int]*toolBlockState // keyed by the upstream delta's positional index
	usage      usageTotals

	sentMu sync.Mutex
	sent   bool // message_stop emitted

	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan error

	// toolReg recovers structured tool calls from the fully reassembled
	// argument text the buffered path collects; it is not consulted on
	// the streaming path, which forwards each upstream fragment to the
	// client as an input_json_delta as it arrives and never holds a
	// complete argument string to hand the registry.
	toolReg *toolparser.Registry
}

// toolBlockState tracks one reassembled tool call. OpenAI sends the
// call's id and name only on the fragment that opens it; every
// following fragment for the same call carries just the positional
// index and an arguments string fragment, so id/name are captured once
// and every later delta is keyed by index alone.
type toolBlockState struct {
	index        int
	anthropicIdx int
	id           string
	name         string
	started      bool
}

type usageTotals struct {
	InputTokens  int
	OutputTokens int
}

// New creates a Translator for one streaming request.
func New(messageID, model string) *Translator {
	return &Translator{
		messageID:  messageID,
		model:      model,
		toolBlocks: make(map[int]*toolBlockState),
		closed:     make(chan struct{}),
		toolReg:    toolparser.New(circuitbreaker.DefaultConfig(), toolparser.JSONArgsParser{}),
	}
}

// Close marks the connection closed, waiting up to closeFlushTimeout
// for any still-writing output buffer to drain first. An internal
// once-guard makes repeated calls safe; calling Close before Run has
// started is a no-op wait since writerDone is nil until then.
func (t *Translator) Close() {
	t.closeOnce.Do(func() {
		if t.writerDone != nil {
			select {
			case <-t.writerDone:
			case <-time.After(closeFlushTimeout):
			}
		}
		close(t.closed)
	})
}

// Run reads OpenAI-protocol SSE events from upstream and writes
// Anthropic-protocol SSE events to out until upstream closes, ctx is
// canceled, or the 60-second silence watchdog fires. It returns after
// message_stop has been written exactly once.
func (t *Translator) Run(ctx context.Context, upstream io.Reader, out io.Writer, flush func()) error {
	queue := make(chan outboundEvent, eventQueueDepth)
	writerDone := make(chan error, 1)
	t.writerDone = writerDone

	go t.writerLoop(out, flush, queue, writerDone)

	readErr := t.readerLoop(ctx, upstream, queue)
	close(queue)

	writeErr := <-writerDone
	writerDone <- writeErr // re-buffer so a concurrent Close() also observes completion
	if readErr != nil {
		return readErr
	}
	return writeErr
}

// readerLoop parses upstream SSE chunks and enqueues derived Anthropic
// events, re-arming the silence watchdog on every upstream chunk and
// forcing message_stop if it fires. It returns once message_stop has
// been enqueued, by whichever path reached it first.
func (t *Translator) readerLoop(ctx context.Context, upstream io.Reader, queue chan<- outboundEvent) error {
	parser := streaming.NewSSEParser(upstream)

	chunks := make(chan *streaming.SSEEvent)
	parseErrs := make(chan error, 1)
	go func() {
		for {
			event, err := parser.Next()
			if err != nil {
				if err == io.EOF {
					close(chunks)
					return
				}
				parseErrs <- err
				close(chunks)
				return
			}
			chunks <- event
		}
	}()

	t.emitMessageStart(queue)

	watchdog := time.NewTimer(watchdogTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			t.forceStop(queue, "error")
			return ctx.Err()

		case <-watchdog.C:
			t.forceStop(queue, "end_turn")
			return nil

		case event, ok := <-chunks:
			if !ok {
				select {
				case err := <-parseErrs:
					t.forceStop(queue, "error")
					return err
				default:
				}
				t.forceStop(queue, "end_turn")
				return nil
			}
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(watchdogTimeout)

			if streaming.IsStreamDone(event) {
				t.forceStop(queue, "end_turn")
				return nil
			}
			if done := t.handleUpstreamEvent(event, queue); done {
				return nil
			}
		}
	}
}

// writerLoop drains queue to out, flushing after each event so the
// client sees events as they arrive rather than buffered.
func (t *Translator) writerLoop(out io.Writer, flush func(), queue <-chan outboundEvent, done chan<- error) {
	writer := streaming.NewSSEWriter(out)
	for ev := range queue {
		payload, err := json.Marshal(ev.data)
		if err != nil {
			done <- fmt.Errorf("translator: marshal %s event: %w", ev.name, err)
			return
		}
		if err := writer.WriteNamedEvent(ev.name, string(payload)); err != nil {
			done <- err
			return
		}
		if flush != nil {
			flush()
		}
	}
	done <- nil
}

func (t *Translator) emitMessageStart(queue chan<- outboundEvent) {
	queue <- outboundEvent{
		name: "message_start",
		data: map[string]interface{}{
			"type": "message_start",
			"message": map[string]interface{}{
				"id":            t.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         t.model,
				"content":       []interface{}{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		},
	}
}

// handleUpstreamEvent translates one OpenAI chunk into zero or more
// Anthropic events. It returns true when the upstream signaled a
// terminal finish_reason and message_stop has been emitted.
func (t *Translator) handleUpstreamEvent(event *streaming.SSEEvent, queue chan<- outboundEvent) bool {
	var chunk openAIChunk
	if err := json.Unmarshal([]byte(event.Data), &chunk); err != nil {
		// A chunk that does not decode is dropped without being logged,
		// and translation continues rather than aborting the stream.
		return false
	}
	if len(chunk.Choices) == 0 {
		return false
	}
	choice := chunk.Choices[0]

	if chunk.Usage != nil {
		t.mu.Lock()
		t.usage.InputTokens = chunk.Usage.PromptTokens
		t.usage.OutputTokens = chunk.Usage.CompletionTokens
		t.mu.Unlock()
	}

	if choice.Delta.Content != "" {
		t.emitTextDelta(choice.Delta.Content, queue)
	}

	for _, tc := range choice.Delta.ToolCalls {
		t.emitToolFragment(tc, queue)
	}

	if choice.FinishReason != nil {
		t.closeOpenBlocks(queue)
		t.emitMessageStop(queue, mapFinishReason(*choice.FinishReason))
		return true
	}
	return false
}

func (t *Translator) emitTextDelta(text string, queue chan<- outboundEvent) {
	t.mu.Lock()
	if t.textIndex == nil {
		idx := t.nextIndex
		t.nextIndex++
		t.textIndex = &idx
		t.mu.Unlock()
		queue <- outboundEvent{name: "content_block_start", data: map[string]interface{}{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]interface{}{"type": "text", "text": ""},
		}}
	} else {
		t.mu.Unlock()
	}

	queue <- outboundEvent{name: "content_block_delta", data: map[string]interface{}{
		"type":  "content_block_delta",
		"index": *t.textIndex,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	}}
}

// emitToolFragment reassembles one OpenAI tool-call delta fragment,
// keyed by its positional index since only the opening fragment
// carries an id. A fragment whose index has not been seen opens a new
// Anthropic content block in first-seen order; a fragment that somehow
// carries an id disagreeing with the one recorded for its index is a
// TranslationError and is dropped rather than corrupting the buffer.
func (t *Translator) emitToolFragment(tc openAIToolCallDelta, queue chan<- outboundEvent) {
	if tc.ID == "" && tc.Function.Arguments == "" && tc.Function.Name == "" {
		return
	}

	t.mu.Lock()
	state, ok := t.toolBlocks[tc.Index]
	if !ok {
		idx := t.nextIndex
		t.nextIndex++
		state = &toolBlockState{index: tc.Index, anthropicIdx: idx, id: tc.ID, name: tc.Function.Name}
		t.toolBlocks[tc.Index] = state
	} else if tc.ID != "" && state.id != "" && tc.ID != state.id {
		t.mu.Unlock()
		return
	}
	if !state.started {
		state.started = true
		t.mu.Unlock()
		queue <- outboundEvent{name: "content_block_start", data: map[string]interface{}{
			"type":  "content_block_start",
			"index": state.anthropicIdx,
			"content_block": map[string]interface{}{
				"type": "tool_use", "id": state.id, "name": state.name, "input": map[string]interface{}{},
			},
		}}
	} else {
		t.mu.Unlock()
	}

	if tc.Function.Arguments == "" {
		return
	}
	queue <- outboundEvent{name: "content_block_delta", data: map[string]interface{}{
		"type":  "content_block_delta",
		"index": state.anthropicIdx,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
	}}
}

func (t *Translator) closeOpenBlocks(queue chan<- outboundEvent) {
	t.mu.Lock()
	indexes := make([]int, 0, len(t.toolBlocks)+1)
	if t.textIndex != nil {
		indexes = append(indexes, *t.textIndex)
	}
	for _, s := range t.toolBlocks {
		indexes = append(indexes, s.anthropicIdx)
	}
	t.mu.Unlock()

	for _, idx := range indexes {
		queue <- outboundEvent{name: "content_block_stop", data: map[string]interface{}{
			"type": "content_block_stop", "index": idx,
		}}
	}
}

func (t *Translator) emitMessageStop(queue chan<- outboundEvent, stopReason string) {
	t.sentMu.Lock()
	if t.sent {
		t.sentMu.Unlock()
		return
	}
	t.sent = true
	t.sentMu.Unlock()

	t.mu.Lock()
	usage := t.usage
	t.mu.Unlock()

	queue <- outboundEvent{name: "message_delta", data: map[string]interface{}{
		"type":  "message_delta",
		"delta": map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": usage.OutputTokens},
	}}
	queue <- outboundEvent{name: "message_stop", data: map[string]interface{}{"type": "message_stop"}}
}

// forceStop is the watchdog/error path: it closes any open blocks and
// emits message_delta+message_stop exactly once, guaranteeing the
// terminal-event invariant even when upstream goes silent or errors.
func (t *Translator) forceStop(queue chan<- outboundEvent, stopReason string) {
	t.closeOpenBlocks(queue)
	t.emitMessageStop(queue, stopReason)
}

func mapFinishReason(openAIReason string) string {
	switch openAIReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// openAIChunk is the subset of an OpenAI streaming chunk this package
// reads.
type openAIChunk struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string                `json:"content"`
	ToolCalls []openAIToolCallDelta `json:"tool_calls"`
}

type openAIToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
