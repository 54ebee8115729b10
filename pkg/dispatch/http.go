package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const maxResponseBody = 64 << 10

type jsonCall struct {
	service string
	method  string
	url     string
	headers map[string]string
	body    any
}

type referenceBody struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// postJSON sends one JSON request and turns the response into a receipt.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, call jsonCall) (Receipt, error) {
	payload, err := json.Marshal(call.body)
	if err != nil {
		return Receipt{}, Misconfigured(fmt.Errorf("failed to marshal %s request: %w", call.service, err))
	}

	req, err := http.NewRequestWithContext(ctx, call.method, call.url, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, Misconfigured(fmt.Errorf("failed to create %s request: %w", call.service, err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "conduit/1.0")

	for key, value := range call.headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s request failed: %w", call.service, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to read %s response: %w", call.service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, &StatusError{Service: call.service, StatusCode: resp.StatusCode}
	}

	receipt := Receipt{StatusCode: resp.StatusCode}

	var ref referenceBody
	if json.Unmarshal(body, &ref) == nil {
		receipt.Reference = firstNonEmpty(ref.MessageID, ref.ID)
	}

	return receipt, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}

	return ""
}
