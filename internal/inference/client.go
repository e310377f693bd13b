// Package inference relays user messages to the hosted language-model
// service over the OpenAI Assistants API.
//
// Each user gets one persistent conversation thread, created lazily on
// first use and reused for the process lifetime. A run is synchronous from
// the caller's point of view: internally it polls the run status with a
// bounded exponential backoff until the service reports a terminal state.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ThreadTTL is the nominal lifetime of a conversation thread. Expiry is
// not enforced anywhere: threads live until the process restarts.
const ThreadTTL = 24 * time.Hour

const (
	defaultModel = "gpt-4-turbo"

	// Run polling: bounded exponential backoff, not a busy loop.
	pollInitialDelay = 500 * time.Millisecond
	pollMaxDelay     = 5 * time.Second
	defaultRunWait   = 120 * time.Second
)

// ErrRunTimeout is returned when a run does not reach a terminal state
// within the configured wait budget.
var ErrRunTimeout = errors.New("inference run did not complete in time")

// Config configures the OpenAI-backed inference client.
type Config struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint. Defaults to the public OpenAI
	// endpoint when empty.
	BaseURL string
	// Model is the chat model backing the assistant.
	// Defaults to gpt-4-turbo.
	Model string
	// AssistantID reuses an existing assistant. When empty, an assistant
	// is created on first use with the given instructions.
	AssistantID string
	// AssistantInstructions seeds the assistant created when AssistantID
	// is empty. Per-message instructions are passed on each run and
	// override these.
	AssistantInstructions string
	// RunWait bounds how long a single run may be polled before giving
	// up. Defaults to 120s.
	RunWait time.Duration
}

// Client talks to the OpenAI Assistants API. Safe for concurrent use.
type Client struct {
	api     *openai.Client
	model   string
	runWait time.Duration

	mu           sync.Mutex
	assistantID  string
	instructions string
	threads      map[string]string // userID → thread ID
}

// New returns a Client for the given config.
func New(cfg Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	runWait := cfg.RunWait
	if runWait <= 0 {
		runWait = defaultRunWait
	}
	return &Client{
		api:          openai.NewClientWithConfig(clientCfg),
		model:        model,
		runWait:      runWait,
		assistantID:  cfg.AssistantID,
		instructions: cfg.AssistantInstructions,
		threads:      make(map[string]string),
	}
}

// EnsureThread returns the user's conversation thread, creating one on
// first use. The registry lock is never held across the API call.
func (c *Client) EnsureThread(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.threads[userID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	thread, err := c.api.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent caller may have won the race; keep the first thread.
	if id, ok := c.threads[userID]; ok {
		return id, nil
	}
	c.threads[userID] = thread.ID
	return thread.ID, nil
}

// Ask posts userText to the thread, runs the assistant with the given
// system instructions, and returns the assistant's reply text.
func (c *Client) Ask(ctx context.Context, threadID, userText, instructions string) (string, error) {
	_, err := c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return c.run(ctx, threadID, instructions)
}

// AskDocument uploads a document, attaches it to a new thread message with
// the given caption, and runs the assistant over it. The service does the
// text extraction; nothing is parsed locally.
func (c *Client) AskDocument(ctx context.Context, threadID, caption, filename string, data []byte) (string, error) {
	file, err := c.api.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    filename,
		Bytes:   data,
		Purpose: openai.PurposeAssistants,
	})
	if err != nil {
		return "", fmt.Errorf("upload document: %w", err)
	}

	if strings.TrimSpace(caption) == "" {
		caption = "Ho allegato un documento. Puoi leggerlo e rispondermi?"
	}

	_, err = c.api.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: caption,
		Attachments: []openai.ThreadAttachment{{
			FileID: file.ID,
			Tools:  []openai.ThreadAttachmentTool{{Type: "file_search"}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("post document message: %w", err)
	}
	return c.run(ctx, threadID, instructionsForDocument)
}

// instructionsForDocument is used for document runs, where the caller has
// no per-message instructions to pass.
const instructionsForDocument = "Rispondi in base al documento allegato, in modo chiaro e conciso."

// run creates a run on the thread and polls it to completion, then fetches
// the newest assistant message produced by that run.
func (c *Client) run(ctx context.Context, threadID, instructions string) (string, error) {
	assistantID, err := c.ensureAssistant(ctx)
	if err != nil {
		return "", err
	}

	req := openai.RunRequest{AssistantID: assistantID}
	if instructions != "" {
		req.Instructions = instructions
	}
	run, err := c.api.CreateRun(ctx, threadID, req)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	run, err = c.waitForRun(ctx, threadID, run)
	if err != nil {
		return "", err
	}

	return c.latestAssistantReply(ctx, threadID, run.ID)
}

// waitForRun polls the run with exponential backoff until it reaches a
// terminal state or the wait budget is exhausted.
func (c *Client) waitForRun(ctx context.Context, threadID string, run openai.Run) (openai.Run, error) {
	ctx, cancel := context.WithTimeout(ctx, c.runWait)
	defer cancel()

	delay := pollInitialDelay
	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled,
			openai.RunStatusExpired, openai.RunStatusIncomplete,
			openai.RunStatusRequiresAction:
			return run, fmt.Errorf("run %s ended with status %s", run.ID, run.Status)
		}

		select {
		case <-ctx.Done():
			return run, fmt.Errorf("%w (last status %s)", ErrRunTimeout, run.Status)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}

		var err error
		run, err = c.api.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return run, fmt.Errorf("poll run: %w", err)
		}
	}
}

// latestAssistantReply returns the text of the newest assistant message
// the run produced.
func (c *Client) latestAssistantReply(ctx context.Context, threadID, runID string) (string, error) {
	limit := 1
	order := "desc"
	msgs, err := c.api.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	for _, m := range msgs.Messages {
		for _, part := range m.Content {
			if part.Text != nil && part.Text.Value != "" {
				return part.Text.Value, nil
			}
		}
	}
	return "", fmt.Errorf("run %s produced no assistant reply", runID)
}

// ensureAssistant returns the configured assistant, creating one lazily
// when no assistant ID was supplied.
func (c *Client) ensureAssistant(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.assistantID != "" {
		id := c.assistantID
		c.mu.Unlock()
		return id, nil
	}
	instructions := c.instructions
	c.mu.Unlock()

	name := "SaveUp Coach"
	assistant, err := c.api.CreateAssistant(ctx, openai.AssistantRequest{
		Model:        c.model,
		Name:         &name,
		Instructions: &instructions,
		Tools:        []openai.AssistantTool{{Type: openai.AssistantToolTypeFileSearch}},
	})
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assistantID == "" {
		c.assistantID = assistant.ID
	}
	return c.assistantID, nil
}
