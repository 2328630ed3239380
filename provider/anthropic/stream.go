package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kulesh/waypoints/model"
)

// StreamSource is the minimal surface of *ssestream.Stream[...] the adapter
// depends on, narrowed for testability.
type StreamSource interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// streamer adapts an Anthropic Messages SSE stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    StreamSource
	chunks chan model.Chunk

	mu       sync.Mutex
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any
}

func newStreamer(src StreamSource) model.Streamer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &streamer{ctx: ctx, cancel: cancel, src: src, chunks: make(chan model.Chunk, 32)}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.src == nil {
		return nil
	}
	return s.src.Close()
}

func (s *streamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *streamer) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.src != nil {
			_ = s.src.Close()
		}
	}()

	var toolID, toolName string
	var toolArgs []byte

	emit := func(c model.Chunk) bool {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return false
		case s.chunks <- c:
			return true
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.src.Next() {
			if err := s.src.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		event := s.src.Current()
		switch event.Type {
		case "content_block_start":
			block := event.ContentBlock.AsAny()
			if tu, ok := block.(sdk.ToolUseBlock); ok {
				toolID, toolName, toolArgs = tu.ID, tu.Name, nil
			}
		case "content_block_delta":
			delta := event.Delta.AsAny()
			switch d := delta.(type) {
			case sdk.TextDelta:
				if !emit(model.Chunk{Type: model.ChunkTypeText, Text: d.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				toolArgs = append(toolArgs, []byte(d.PartialJSON)...)
			case sdk.ThinkingDelta:
				if !emit(model.Chunk{Type: model.ChunkTypeThinking, Text: d.Thinking}) {
					return
				}
			}
		case "content_block_stop":
			if toolName != "" {
				if len(toolArgs) == 0 {
					toolArgs = []byte("{}")
				}
				tu := &model.ToolUsePart{ID: toolID, Name: toolName, Input: json.RawMessage(toolArgs)}
				if !emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: tu}) {
					return
				}
				toolID, toolName, toolArgs = "", "", nil
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				if !emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(event.Delta.StopReason)}) {
					return
				}
			}
		case "message_stop":
			return
		}
	}
}

func encodeMessages(msgs []*model.Message) ([]sdk.MessageParam, string, error) {
	var system string
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if m.Role == model.RoleSystem {
			system += m.Text()
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return nil, "", err
		}
		switch m.Role {
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, "", fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	return out, system, nil
}

func encodeParts(parts []model.Part) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch part := p.(type) {
		case model.TextPart:
			blocks = append(blocks, sdk.NewTextBlock(part.Text))
		case model.ToolUsePart:
			blocks = append(blocks, sdk.NewToolUseBlock(part.ID, json.RawMessage(part.Input), part.Name))
		case model.ToolResultPart:
			blocks = append(blocks, sdk.NewToolResultBlock(part.ToolUseID, part.Content, part.IsError))
		default:
			return nil, errors.New("anthropic: unsupported message part type")
		}
	}
	return blocks, nil
}

func encodeTools(defs []*model.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		if d == nil {
			continue
		}
		out = append(out, sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        d.Name,
				Description: sdk.String(d.Description),
			},
		})
	}
	return out
}
