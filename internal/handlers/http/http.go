package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentq/internal/domain"
	"agentq/internal/worker"
)

// HTTP calls the endpoint described by a task payload.
type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Execute(ctx context.Context, task domain.QueuedTask) error {
	var req Request
	if err := json.Unmarshal(task.Routing.Payload, &req); err != nil {
		return worker.Permanent(fmt.Errorf("invalid HTTP request payload: %w", err))
	}

	if req.URL == "" {
		return worker.Permanent(fmt.Errorf("URL is required"))
	}

	if req.Method == "" {
		req.Method = "GET"
	}

	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return worker.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("X-Agentq-Task-Id", task.ID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx will not get better on retry, 429 aside
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return worker.Permanent(fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody)))
	}

	return nil
}
