package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterGenerator calls an OpenAI-compatible /chat/completions endpoint.
// Works with OpenRouter, vLLM, LiteLLM, or any self-hosted compatible model.
type OpenRouterGenerator struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

// NewOpenRouterGenerator builds the chat generator. baseURL should include
// the /v1 prefix; empty defaults to the hosted OpenRouter endpoint. The
// system prompt is prepended to every request.
func NewOpenRouterGenerator(baseURL, apiKey, model, systemPrompt string) *OpenRouterGenerator {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	return &OpenRouterGenerator{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(apiKey),
		model:        strings.TrimSpace(model),
		systemPrompt: systemPrompt,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Complete implements Generator. One synchronous call, no retry.
func (g *OpenRouterGenerator) Complete(ctx context.Context, turns []Turn) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openrouter generation model required")
	}
	messages := make([]oaiMessage, 0, len(turns)+1)
	if strings.TrimSpace(g.systemPrompt) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: g.systemPrompt})
	}
	for _, turn := range turns {
		role := "assistant"
		if turn.Role == "user" {
			role = "user"
		}
		messages = append(messages, oaiMessage{Role: role, Content: turn.Content})
	}

	body, err := json.Marshal(oaiChatRequest{Model: g.model, Messages: messages})
	if err != nil {
		return "", err
	}
	url := g.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrUpstream, errResp.Error.Message)
		}
		return "", fmt.Errorf("%w: %s", ErrUpstream, resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrProtocol)
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", ErrProtocol)
	}
	return text, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model    string       `json:"model"`
	Messages []oaiMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
