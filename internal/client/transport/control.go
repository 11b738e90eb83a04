// Package transport holds the client halves of the control API and the
// signal relay, plus in-process equivalents used when the client runs next to
// the registry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"callsignal/internal/domain"
	apperrors "callsignal/pkg/errors"
)

// ErrTransport marks a request that never produced a usable answer from the
// control API: network failure, or a non-2xx reply without an error envelope
var ErrTransport = errors.New("transport failure")

// APIError is a control API rejection carrying the server's error code. It
// unwraps to the matching domain error when one exists.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperrors.DomainError(apperrors.ErrorCode(e.Code))
}

// ControlClient calls the registry over its REST API
type ControlClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewControlClient creates a client for the API rooted at baseURL. Every
// request carries token as a bearer credential.
func NewControlClient(baseURL, token string, timeout time.Duration) *ControlClient {
	return &ControlClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type startRequest struct {
	CallType  domain.CallType `json:"call_type"`
	CalleeID  *uuid.UUID      `json:"callee_id,omitempty"`
	GroupID   *uuid.UUID      `json:"group_id,omitempty"`
	IsMeeting bool            `json:"is_meeting,omitempty"`
}

type signalRequest struct {
	Envelope *domain.Envelope `json:"envelope"`
	TargetID *uuid.UUID       `json:"target_id,omitempty"`
}

// envelope mirrors the API response body
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Start places a call
func (c *ControlClient) Start(ctx context.Context, target domain.CallTarget, callType domain.CallType) (*domain.CallSession, error) {
	var session domain.CallSession
	req := startRequest{CallType: callType, CalleeID: target.CalleeID, GroupID: target.GroupID}
	if err := c.do(ctx, http.MethodPost, "/v1/calls", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// JoinByToken joins a meeting through its invite link token
func (c *ControlClient) JoinByToken(ctx context.Context, token string) (*domain.CallSession, error) {
	var session domain.CallSession
	if err := c.do(ctx, http.MethodPost, "/v1/calls/join/"+token, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *ControlClient) Accept(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, callPath(sessionID, "accept"), nil, nil)
}

func (c *ControlClient) Decline(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, callPath(sessionID, "decline"), nil, nil)
}

func (c *ControlClient) Leave(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, callPath(sessionID, "leave"), nil, nil)
}

func (c *ControlClient) End(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, callPath(sessionID, "end"), nil, nil)
}

// Signal relays a negotiation signal to the session's other participants,
// or to targetID only
func (c *ControlClient) Signal(ctx context.Context, sig domain.Signal, targetID *uuid.UUID) error {
	req := signalRequest{Envelope: domain.EnvelopeOf(sig), TargetID: targetID}
	return c.do(ctx, http.MethodPost, callPath(sig.Header().SessionID, "signal"), req, nil)
}

func callPath(sessionID uuid.UUID, action string) string {
	return "/v1/calls/" + sessionID.String() + "/" + action
}

func (c *ControlClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrTransport, path, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr != nil || env.Error == nil {
			return fmt.Errorf("%w: %s %s returned %d", ErrTransport, method, path, resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}

	if out == nil {
		return nil
	}
	if decodeErr != nil || len(env.Data) == 0 {
		return fmt.Errorf("%w: %s %s returned an unreadable body", ErrTransport, method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrTransport, path, err)
	}
	return nil
}
