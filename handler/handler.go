package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"knowledge-agent/internal/usecase"
)

// Handler adapts API Gateway proxy events to the query gate.
//
//	POST   /api/query           ask a question
//	DELETE /api/sessions/{id}   clear a session's history
type Handler struct {
	asker    usecase.Asker
	sessions SessionClearer
	logger   *zap.Logger
}

// NewHandler creates a Handler. sessions may be nil, in which case session
// deletion answers 405.
func NewHandler(asker usecase.Asker, sessions SessionClearer, log *zap.Logger) (*Handler, error) {
	if asker == nil {
		return nil, errors.New("handler: asker must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{asker: asker, sessions: sessions, logger: log}, nil
}

// Handle is the Lambda entry point.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With(zap.String("correlation_id", correlationID))

	switch event.HTTPMethod {
	case http.MethodPost:
		return h.ask(ctx, event, correlationID, log), nil
	case http.MethodDelete:
		if h.sessions != nil {
			return h.clear(ctx, event, correlationID, log), nil
		}
	}
	return jsonResponse(http.StatusMethodNotAllowed, correlationID, nil,
		errorResponse{Error: string(usecase.ErrorValidation), Reason: "method_not_allowed"}), nil
}

func (h *Handler) ask(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *zap.Logger) events.APIGatewayProxyResponse {
	req, err := decodeAsk([]byte(event.Body))
	if err != nil {
		status, body, headers := rejection(emptyResult, err)
		return jsonResponse(status, correlationID, headers, body)
	}

	res, err := h.asker.Ask(ctx, req.input(event.RequestContext.Identity.SourceIP))
	if err != nil {
		status, body, headers := rejection(res, err)
		log.Info("ask_rejected", zap.Int("status", status), zap.String("reason", body.Reason))
		return jsonResponse(status, correlationID, headers, body)
	}
	return jsonResponse(http.StatusOK, correlationID, nil, res)
}

func (h *Handler) clear(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string, log *zap.Logger) events.APIGatewayProxyResponse {
	id := strings.TrimSpace(event.PathParameters["id"])
	if id == "" {
		id = strings.TrimSpace(strings.TrimPrefix(event.Path, "/api/sessions/"))
	}
	if id == "" || strings.Contains(id, "/") {
		return jsonResponse(http.StatusBadRequest, correlationID, nil,
			errorResponse{Error: string(usecase.ErrorValidation), Reason: "missing_session_id"})
	}
	if err := h.sessions.Clear(ctx, id); err != nil {
		log.Error("session_clear_failed", zap.Error(err))
		return jsonResponse(http.StatusServiceUnavailable, correlationID, nil,
			errorResponse{Error: string(usecase.ErrorMemoryUnavailable), Reason: "session_clear_failed"})
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{headerCorrelationID: correlationID},
	}
}

func jsonResponse(status int, correlationID string, extra map[string]string, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	headers := map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: correlationID,
	}
	for k, v := range extra {
		headers[k] = v
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(body)}
}

// headerValue looks a header up case-insensitively; API Gateway does not
// normalize header names.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
