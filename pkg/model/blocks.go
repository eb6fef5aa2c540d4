// Package model defines the session/message/content-block domain types
// used by the Session Store, Stream Assembler and Message Pipeline.
//
// This is deliberately a separate model from pkg/types: pkg/types holds the
// configuration types (Config with its provider, agent and MCP entries, and
// Model), while this package models a single workspace's transcript of content-block
// messages the way the agent subprocess actually emits them.
package model

import (
	"encoding/json"
	"fmt"
)

// BlockType identifies the variant of a ContentBlock.
type BlockType string

const (
	BlockText           BlockType = "text"
	BlockThinking       BlockType = "thinking"
	BlockToolUse        BlockType = "tool_use"
	BlockServerToolUse  BlockType = "server_tool_use"
)

// ContentBlock is one block of structured assistant content.
type ContentBlock interface {
	BlockKind() BlockType
}

// TextBlock is an incrementally-streamed text block.
type TextBlock struct {
	Text string `json:"text"`
}

func (b *TextBlock) BlockKind() BlockType { return BlockText }

// ThinkingBlock is an incrementally-streamed extended-thinking block.
type ThinkingBlock struct {
	Text        string `json:"text"`
	StreamIndex int    `json:"streamIndex"`
	StartedAt   int64  `json:"startedAt,omitempty"`
	Completed   bool   `json:"completed"`
	DurationMs  int64  `json:"durationMs,omitempty"`
}

func (b *ThinkingBlock) BlockKind() BlockType { return BlockThinking }

// SubAgentCall is a tool invocation nested under a Task tool call.
type SubAgentCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	InputJSON   string         `json:"inputJSON,omitempty"`
	ParsedInput map[string]any `json:"parsedInput,omitempty"`
	Result      *string        `json:"result,omitempty"`
	Loading     bool           `json:"loading"`
	Error       bool           `json:"error,omitempty"`
	StreamIndex *int           `json:"streamIndex,omitempty"`
}

// ToolUseBlock is a tool call whose input streams in incrementally.
type ToolUseBlock struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	InputJSON     string          `json:"inputJSON"`
	ParsedInput   map[string]any  `json:"parsedInput,omitempty"`
	Result        *string         `json:"result,omitempty"`
	IsError       bool            `json:"isError,omitempty"`
	Stopped       bool            `json:"stopped,omitempty"`
	Failed        bool            `json:"failed,omitempty"`
	StartedAt     int64           `json:"startedAt,omitempty"`
	RunningStats  map[string]any  `json:"runningStats,omitempty"`
	SubAgentCalls []*SubAgentCall `json:"subAgentCalls,omitempty"`
}

func (b *ToolUseBlock) BlockKind() BlockType { return BlockToolUse }

// ServerToolUseBlock is a tool call whose input arrived complete in one event.
type ServerToolUseBlock struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Input   map[string]any `json:"input"`
	Result  *string        `json:"result,omitempty"`
	IsError bool           `json:"isError,omitempty"`
}

func (b *ServerToolUseBlock) BlockKind() BlockType { return BlockServerToolUse }

type taggedBlock struct {
	Type BlockType       `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// MarshalContentBlock serializes a ContentBlock with its type tag.
func MarshalContentBlock(b ContentBlock) ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["type"] = string(b.BlockKind())
	return json.Marshal(m)
}

// UnmarshalContentBlock parses one tagged content block.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var head struct {
		Type BlockType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case BlockText:
		var b TextBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case BlockThinking:
		var b ThinkingBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case BlockToolUse:
		var b ToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	case BlockServerToolUse:
		var b ServerToolUseBlock
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("model: unknown content block type %q", head.Type)
	}
}

// MarshalContent serializes an ordered list of content blocks.
func MarshalContent(blocks []ContentBlock) ([]byte, error) {
	raws := make([]json.RawMessage, len(blocks))
	for i, b := range blocks {
		raw, err := MarshalContentBlock(b)
		if err != nil {
			return nil, fmt.Errorf("marshal block %d: %w", i, err)
		}
		raws[i] = raw
	}
	return json.Marshal(raws)
}

// UnmarshalContent parses an ordered list of content blocks, skipping any
// block that fails to parse rather than failing the whole message.
func UnmarshalContent(data []byte) ([]ContentBlock, []error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, []error{err}
	}
	var blocks []ContentBlock
	var errs []error
	for i, raw := range raws {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("block %d: %w", i, err))
			continue
		}
		blocks = append(blocks, b)
	}
	return blocks, errs
}
