// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API, translating the executor's provider-
// agnostic requests into github.com/anthropics/anthropic-sdk-go calls and
// mapping streamed events back into model.Chunk values.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kulesh/waypoints/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) StreamSource
}

// Options configures the Anthropic adapter.
type Options struct {
	// DefaultModel is the Claude model identifier used for every request;
	// the executor does not select models per call.
	DefaultModel string

	// MaxTokens caps completion length when a Request does not set one.
	MaxTokens int

	// Temperature is used when a Request does not set one.
	Temperature float64
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 8192
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the SDK's default HTTP transport,
// authenticating with the supplied API key.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(messagesAdapter{&ac.Messages}, Options{DefaultModel: defaultModel})
}

// Stream issues a streaming Messages.New request and adapts the SSE stream
// into a model.Streamer.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	src := c.msg.NewStreaming(ctx, params)
	return newStreamer(src), nil
}

func (c *Client) prepareRequest(req *model.Request) (sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(c.maxTok)
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: encode messages: %w", err)
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	temp := float64(req.Temperature)
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

// messagesAdapter narrows *sdk.MessageService to the MessagesClient contract.
type messagesAdapter struct{ *sdk.MessageService }

func (m messagesAdapter) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) StreamSource {
	return m.MessageService.NewStreaming(ctx, body, opts...)
}
