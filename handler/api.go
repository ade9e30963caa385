package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"knowledge-agent/internal/domain"
	"knowledge-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerRetryAfter    = "Retry-After"
	maxBodyBytes        = 16 << 10
)

// SessionClearer removes a session's history on operator request.
type SessionClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

type askRequest struct {
	Question       string `json:"question"`
	SessionID      string `json:"sessionId"`
	UserID         string `json:"userId"`
	TopK           int    `json:"topK"`
	CategoryFilter string `json:"categoryFilter"`
	Debug          bool   `json:"debug"`
}

type errorResponse struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	Answer            string `json:"answer,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

var emptyResult domain.QueryResult

var errInvalidBody = &usecase.Error{Code: usecase.ErrorValidation, Reason: "invalid_body"}

func decodeAsk(body []byte) (askRequest, error) {
	var req askRequest
	if len(body) > maxBodyBytes {
		return req, &usecase.Error{Code: usecase.ErrorValidation, Reason: "body_too_large"}
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errInvalidBody
	}
	return req, nil
}

func (r askRequest) input(clientIP string) usecase.AskInput {
	return usecase.AskInput{
		Question:  r.Question,
		SessionID: strings.TrimSpace(r.SessionID),
		UserID:    strings.TrimSpace(r.UserID),
		ClientIP:  clientIP,
		TopK:      r.TopK,
		Category:  r.CategoryFilter,
		Debug:     r.Debug,
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorTerminalUpstream, usecase.ErrorTransientUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// rejection turns an ask error into status, body and extra headers. res is
// the result returned alongside the error and may be empty.
func rejection(res domain.QueryResult, err error) (int, errorResponse, map[string]string) {
	body := errorResponse{
		Error:     string(usecase.ErrorInternal),
		Answer:    res.Answer,
		SessionID: res.SessionID,
	}
	headers := map[string]string{}

	var ue *usecase.Error
	if !errors.As(err, &ue) {
		body.Reason = "unexpected_error"
		return http.StatusInternalServerError, body, headers
	}
	body.Error = string(ue.Code)
	body.Reason = ue.Reason
	if ue.Code == usecase.ErrorRateLimited && ue.RetryAfter > 0 {
		secs := int(math.Ceil(ue.RetryAfter.Seconds()))
		body.RetryAfterSeconds = secs
		headers[headerRetryAfter] = strconv.Itoa(secs)
	}
	return statusFor(ue.Code), body, headers
}
