// Package fingerprint computes the cache-affinity key used to route a
// request toward the node most likely to already hold its KV-cache
// state, and extracts ephemeral cache markers from request content.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is the set of hashes derived from one request's
// (system, tools) pair. RequestHash combines both; SystemHash and
// ToolsHash are exposed separately because the cache coordinator and
// router reason about system-prompt affinity independently of tool
// schema changes.
type Fingerprint struct {
	RequestHash string
	SystemHash  string
	ToolsHash   string
}

// canonicalRequest is the shape hashed for RequestHash. Field order is
// fixed by the struct tags below (encoding/json emits struct fields in
// declaration order, unlike map keys), and Tools is marshaled as
// received — never sorted — because upstream tool ordering is
// semantically meaningful to the model.
type canonicalRequest struct {
	System *string       `json:"system"`
	Tools  []interface{} `json:"tools"`
}

// Compute derives a Fingerprint from the normalized system prompt text
// (already joined from an array form, see §4.1's inbound handling) and
// the parsed tools array. A nil/empty tools slice and an undefined
// tools field both canonicalize to the same empty-array encoding, so
// their hashes are identical, matching the determinism invariant.
func Compute(system string, tools []interface{}) (Fingerprint, error) {
	var systemPtr *string
	if system != "" {
		systemPtr = &system
	}
	if tools == nil {
		tools = []interface{}{}
	}

	systemHash, err := hashJSON(systemPtr)
	if err != nil {
		return Fingerprint{}, err
	}
	toolsHash, err := hashJSON(tools)
	if err != nil {
		return Fingerprint{}, err
	}
	requestHash, err := hashJSON(canonicalRequest{System: systemPtr, Tools: tools})
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		RequestHash: requestHash,
		SystemHash:  systemHash,
		ToolsHash:   toolsHash,
	}, nil
}

func hashJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CacheMarkers is the aggregate result of scanning request content for
// blocks tagged cache_control: ephemeral.
type CacheMarkers struct {
	CacheableText    string
	EstimatedTokens  int
	CacheableBlocks  int
}

// ExtractCacheMarkers scans a sequence of raw content blocks (each a
// parsed JSON object, e.g. {"type":"text","text":"...","cache_control":
// {"type":"ephemeral"}}) and aggregates the ones marked ephemeral. The
// marker is extracted but the source content is left untouched by the
// caller — §4.1 forwards cache_control to the backend unchanged.
func ExtractCacheMarkers(blocks []interface{}) CacheMarkers {
	var markers CacheMarkers

	for _, raw := range blocks {
		block, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if !isEphemeral(block["cache_control"]) {
			continue
		}
		text, _ := block["text"].(string)
		markers.CacheableText += text
		markers.CacheableBlocks++
	}

	markers.EstimatedTokens = estimateTokens(len(markers.CacheableText))
	return markers
}

func isEphemeral(v interface{}) bool {
	cc, ok := v.(map[string]interface{})
	if !ok {
		return false
	}
	t, _ := cc["type"].(string)
	return t == "ephemeral"
}

// estimateTokens applies the character_count / 4 heuristic, rounded up.
func estimateTokens(charCount int) int {
	if charCount <= 0 {
		return 0
	}
	return (charCount + 3) / 4
}
