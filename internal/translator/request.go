package translator

import (
	"encoding/json"
	"fmt"
)

// AnthropicRequest is the subset of the Messages API request body this
// proxy honors. reasoning and service_tier are accepted on the wire but
// dropped rather than forwarded, per the client-facing contract.
type AnthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []AnthropicMsg  `json:"messages"`
	System      json.RawMessage `json:"system,omitempty"`
	Tools       []interface{}   `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

// AnthropicMsg is one Messages-API conversation turn. Content may be a
// plain string or an array of typed blocks; both are preserved as raw
// JSON and flattened to a string for the OpenAI-compatible backend.
type AnthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// SystemText extracts the system field per §4.1: a bare string passes
// through unchanged; an array of {type:"text",text} blocks is joined
// with a single newline. No other whitespace normalization is applied.
func SystemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("translator: system field is neither a string nor a text-block array: %w", err)
	}

	joined := ""
	for i, b := range blocks {
		if i > 0 {
			joined += "\n"
		}
		joined += b.Text
	}
	return joined, nil
}

// ToOpenAIChatRequest converts an Anthropic Messages request into an
// OpenAI chat-completions request body, mapping max_tokens to
// max_completion_tokens per §6.1.
func ToOpenAIChatRequest(req AnthropicRequest, systemText string) ([]byte, error) {
	messages := make([]map[string]interface{}, 0, len(req.Messages)+1)
	if systemText != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": systemText})
	}
	for _, m := range req.Messages {
		var content string
		if err := json.Unmarshal(m.Content, &content); err != nil {
			// content is a block array rather than a bare string; forward
			// the raw JSON as-is so the backend receives structured content.
			messages = append(messages, map[string]interface{}{"role": m.Role, "content": json.RawMessage(m.Content)})
			continue
		}
		messages = append(messages, map[string]interface{}{"role": m.Role, "content": content})
	}

	body := map[string]interface{}{
		"model":                 req.Model,
		"messages":              messages,
		"max_completion_tokens": req.MaxTokens,
		"stream":                req.Stream,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		body["tools"] = toOpenAITools(req.Tools)
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = req.ToolChoice
	}
	if req.Stream {
		body["stream_options"] = map[string]bool{"include_usage": true}
	}

	return json.Marshal(body)
}

// toOpenAITools wraps each Anthropic-shaped tool definition ({name,
// description, input_schema}) as an OpenAI {type:"function",
// function:{name, description, parameters}} entry, passing unrecognized
// entries through unchanged so forward-compatible tool shapes are not
// silently dropped.
func toOpenAITools(tools []interface{}) []interface{} {
	out := make([]interface{}, 0, len(tools))
	for _, raw := range tools {
		m, ok := raw.(map[string]interface{})
		if !ok {
			out = append(out, raw)
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			out = append(out, raw)
			continue
		}
		fn := map[string]interface{}{"name": name}
		if desc, ok := m["description"]; ok {
			fn["description"] = desc
		}
		if schema, ok := m["input_schema"]; ok {
			fn["parameters"] = schema
		}
		out = append(out, map[string]interface{}{"type": "function", "function": fn})
	}
	return out
}
