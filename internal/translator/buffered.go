package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// RunBuffered drives the same translation state machine as Run but
// collects the resulting Anthropic events in memory and assembles them
// into a single Messages-API response object, for the non-streaming
// request path that §6.1 requires: "Non-streaming requests are served
// by buffering the full translated stream and returning a single JSON
// message."
func (t *Translator) RunBuffered(ctx context.Context, upstream io.Reader) (map[string]interface{}, error) {
	var buf bytes.Buffer
	if err := t.Run(ctx, upstream, &buf, nil); err != nil {
		return nil, err
	}
	return t.assembleMessage(ctx, buf.String())
}

// assembleMessage folds the SSE event sequence this package writes
// back into one Messages-API response body.
func (t *Translator) assembleMessage(ctx context.Context, sse string) (map[string]interface{}, error) {
	parser := sseLineParser{data: sse}

	message := map[string]interface{}{}
	content := []map[string]interface{}{}
	byIndex := map[int]*map[string]interface{}{}

	for {
		name, payload, ok := parser.next()
		if !ok {
			break
		}

		var event map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch name {
		case "message_start":
			if m, ok := event["message"].(map[string]interface{}); ok {
				for k, v := range m {
					if k != "content" {
						message[k] = v
					}
				}
			}

		case "content_block_start":
			idx := int(event["index"].(float64))
			block, _ := event["content_block"].(map[string]interface{})
			blockCopy := map[string]interface{}{}
			for k, v := range block {
				blockCopy[k] = v
			}
			content = append(content, blockCopy)
			byIndex[idx] = &content[len(content)-1]

		case "content_block_delta":
			idx := int(event["index"].(float64))
			block, ok := byIndex[idx]
			if !ok {
				continue
			}
			delta, _ := event["delta"].(map[string]interface{})
			switch delta["type"] {
			case "text_delta":
				s, _ := (*block)["text"].(string)
				(*block)["text"] = s + delta["text"].(string)
			case "input_json_delta":
				s, _ := (*block)["_partial_input"].(string)
				(*block)["_partial_input"] = s + delta["partial_json"].(string)
			}

		case "message_delta":
			if delta, ok := event["delta"].(map[string]interface{}); ok {
				for k, v := range delta {
					message[k] = v
				}
			}
			if usage, ok := event["usage"]; ok {
				message["usage"] = usage
			}

		case "message_stop":
			// terminal marker; nothing to fold
		}
	}

	for _, block := range content {
		raw, ok := block["_partial_input"].(string)
		delete(block, "_partial_input")
		if !ok || raw == "" {
			continue
		}

		// Reconstruct the shape the tool-parser chain expects (a full
		// function-call object) around the accumulated arguments
		// fragment, so the registry's repair-and-fallback guarantees
		// cover arguments a backend truncated mid-stream, not just
		// well-formed ones.
		idJSON, _ := json.Marshal(block["id"])
		nameJSON, _ := json.Marshal(block["name"])
		wrapped := fmt.Sprintf(`{"id":%s,"name":%s,"arguments":%s}`, idJSON, nameJSON, raw)

		calls, err := t.toolReg.ParseWithFallback(ctx, wrapped)
		if err != nil || len(calls) == 0 || calls[0].ID == "fallback" {
			continue
		}
		var input interface{}
		if err := json.Unmarshal(calls[0].Arguments, &input); err == nil {
			block["input"] = input
		}
	}

	message["type"] = "message"
	message["role"] = "assistant"
	message["content"] = content
	return message, nil
}

// sseLineParser is a minimal scanner over this package's own
// event:/data: output, avoiding a second SSEParser instantiation for
// what is already a well-formed in-memory buffer.
type sseLineParser struct {
	data string
	pos  int
}

func (p *sseLineParser) next() (name, payload string, ok bool) {
	for p.pos < len(p.data) {
		end := strings.IndexByte(p.data[p.pos:], '\n')
		var line string
		if end == -1 {
			line = p.data[p.pos:]
			p.pos = len(p.data)
		} else {
			line = p.data[p.pos : p.pos+end]
			p.pos += end + 1
		}

		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload = strings.TrimPrefix(line, "data: ")
			if name != "" {
				return name, payload, true
			}
		}
	}
	return "", "", false
}
