// Package delivery ships operations to the remote authority over HTTP and
// classifies failures for the processor. The engine treats this as an
// external collaborator: it supplies the classification, the processor never
// guesses one.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/vireo-health/opq/internal/opstore"
	"github.com/vireo-health/opq/internal/processor"
	"github.com/vireo-health/opq/pkg/log"
)

// HTTP posts each operation to a single ingest endpoint.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   log.Logger
}

// NewHTTP creates the deliverer. The client's timeout is left to the caller;
// the processor already bounds each attempt with a context deadline.
func NewHTTP(endpoint string, client *http.Client, logger log.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{endpoint: endpoint, client: client, logger: logger.WithComponent("delivery")}
}

type wireOperation struct {
	ID             string         `json:"id"`
	OperationType  string         `json:"operation_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Payload        map[string]any `json:"payload"`
	Attempts       int            `json:"attempts"`
}

type ackResponse struct {
	ServerID string `json:"server_id"`
}

// Process delivers one operation. Transport-level failures are transient;
// HTTP statuses map onto the failure taxonomy.
func (h *HTTP) Process(ctx context.Context, rec opstore.Record) processor.Result {
	body, err := json.Marshal(wireOperation{
		ID:             rec.ID,
		OperationType:  rec.OperationType,
		IdempotencyKey: rec.IdempotencyKey,
		Payload:        rec.Payload,
		Attempts:       rec.Attempts,
	})
	if err != nil {
		return failure(processor.ClassPermanent, fmt.Sprintf("encode operation: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return failure(processor.ClassPermanent, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.IdempotencyKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return failure(processor.ClassTransient, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ack ackResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = json.Unmarshal(raw, &ack)
		return processor.Result{Success: true, ServerID: ack.ServerID}
	}

	msg := fmt.Sprintf("remote returned %s", resp.Status)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return failure(processor.ClassAuth, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return failure(processor.ClassSchema, msg)
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusGone:
		return failure(processor.ClassPermanent, msg)
	default:
		// 5xx, 408, 429 and anything unexpected are worth retrying
		return failure(processor.ClassTransient, msg)
	}
}

func failure(class processor.Classification, msg string) processor.Result {
	return processor.Result{Classification: class, ErrorMessage: msg}
}
