package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kulesh/waypoints/model"
)

type fakeMessages struct {
	lastParams sdk.MessageNewParams
	src        StreamSource
}

func (f *fakeMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) StreamSource {
	f.lastParams = body
	return f.src
}

type fakeSource struct {
	events []sdk.MessageStreamEventUnion
	pos    int
	closed bool
}

func (s *fakeSource) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *fakeSource) Current() sdk.MessageStreamEventUnion { return s.events[s.pos-1] }
func (s *fakeSource) Err() error                           { return nil }
func (s *fakeSource) Close() error                         { s.closed = true; return nil }

func textDeltaEvent(text string) sdk.MessageStreamEventUnion {
	raw := `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":` + mustQuote(text) + `}}`
	var ev sdk.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		panic(err)
	}
	return ev
}

func mustQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude-sonnet-4-5"})
	assert.Error(t, err)

	_, err = New(&fakeMessages{}, Options{})
	assert.Error(t, err)
}

func TestStreamRequiresMessages(t *testing.T) {
	c, err := New(&fakeMessages{}, Options{DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), &model.Request{})
	assert.Error(t, err)
}

func TestStreamEncodesRequest(t *testing.T) {
	msgs := &fakeMessages{src: &fakeSource{}}
	c, err := New(msgs, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 1024})
	require.NoError(t, err)

	stream, err := c.Stream(context.Background(), &model.Request{
		Messages: []*model.Message{
			{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: "be terse"}}},
			{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}},
		},
		Tools: []*model.ToolDefinition{{Name: "Bash", Description: "run a command"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), msgs.lastParams.Model)
	assert.Equal(t, int64(1024), msgs.lastParams.MaxTokens)
	require.Len(t, msgs.lastParams.System, 1)
	assert.Equal(t, "be terse", msgs.lastParams.System[0].Text)
	require.Len(t, msgs.lastParams.Messages, 1)
	require.Len(t, msgs.lastParams.Tools, 1)
}

func TestStreamerEmitsTextChunks(t *testing.T) {
	src := &fakeSource{events: []sdk.MessageStreamEventUnion{
		textDeltaEvent("hel"),
		textDeltaEvent("lo"),
	}}
	s := newStreamer(src)
	defer s.Close()

	var got string
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if chunk.Type == model.ChunkTypeText {
			got += chunk.Text
		}
	}
	assert.Equal(t, "hello", got)
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, _, err := encodeMessages([]*model.Message{
		{Role: model.ConversationRole("narrator"), Parts: []model.Part{model.TextPart{Text: "x"}}},
	})
	assert.Error(t, err)
}

func TestEncodeToolResultParts(t *testing.T) {
	msgs, _, err := encodeMessages([]*model.Message{
		{Role: model.RoleUser, Parts: []model.Part{
			model.ToolResultPart{ToolUseID: "tu-1", Content: "ok", IsError: false},
		}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
