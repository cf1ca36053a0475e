package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/draftpilot/draftpilot/generation"
	"github.com/draftpilot/draftpilot/trigger"
)

const (
	defaultModel     = openai.GPT4oMini
	defaultMaxTokens = 400
)

// Generator drafts replies with the OpenAI chat completion API.
type Generator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewGenerator(apiKey, model string) (*Generator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &Generator{
		client:    openai.NewClient(apiKey),
		model:     model,
		maxTokens: defaultMaxTokens,
	}, nil
}

func (g *Generator) Generate(ctx context.Context, prompt generation.Prompt) (generation.Result, error) {
	started := time.Now()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(prompt)},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(prompt)},
		},
		MaxTokens:   g.maxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return generation.Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return generation.Result{}, fmt.Errorf("chat completion returned no choices")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return generation.Result{}, fmt.Errorf("chat completion returned empty text")
	}
	return generation.Result{
		Text:         text,
		ProcessingMs: time.Since(started).Milliseconds(),
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func systemPrompt(p generation.Prompt) string {
	var b strings.Builder
	b.WriteString("You draft Slack replies on behalf of a user. ")
	b.WriteString("Write a single short reply in the user's voice, matching the tone of the conversation. ")
	b.WriteString("Return only the reply text, no preamble or quotes.")
	if len(p.AvoidTopics) > 0 {
		b.WriteString("\nDo not mention or commit to anything related to: ")
		b.WriteString(strings.Join(p.AvoidTopics, ", "))
		b.WriteString(".")
	}
	return b.String()
}

func userPrompt(p generation.Prompt) string {
	var b strings.Builder
	if len(p.Related) > 0 {
		b.WriteString("Earlier related messages:\n")
		writeMessages(&b, p.Related)
		b.WriteString("\n")
	}
	if len(p.Context) > 0 {
		b.WriteString("Conversation:\n")
		writeMessages(&b, p.Context)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Message to reply to (%s trigger):\n%s\n\nDraft the reply for <@%s>.",
		p.TriggerType, p.TriggerText, p.RecipientUserID)
	return b.String()
}

func writeMessages(b *strings.Builder, msgs []trigger.ContextMessage) {
	for _, msg := range msgs {
		fmt.Fprintf(b, "<@%s>: %s\n", msg.UserID, msg.Text)
	}
}
