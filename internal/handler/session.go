package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/coord"
	"github.com/jun/cadsync/internal/model"
)

// SessionHandler exposes the edit-session operations.
type SessionHandler struct {
	coord     *coord.Coordinator
	jwtSecret string
	log       *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(c *coord.Coordinator, jwtSecret string, log *zap.Logger) *SessionHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionHandler{coord: c, jwtSecret: jwtSecret, log: log}
}

type openSessionRequest struct {
	Mode                model.Mode `json:"mode"`
	Device              string     `json:"device"`
	LongSession         bool       `json:"long_session"`
	LinkedUserSessionID string     `json:"linked_user_session_id"`
	StorageType         string     `json:"storage_type"`
	ExternalAccountID   string     `json:"external_account_id"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// OpenSession handles POST /sessions/{fileId}.
func (h *SessionHandler) OpenSession(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}
	fileID := req.PathParameters["fileId"]
	if fileID == "" {
		return textResponse(http.StatusBadRequest, "Missing file ID"), nil
	}

	var input openSessionRequest
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if input.Mode == "" {
		input.Mode = model.ModeView
	}

	sessionID, err := h.coord.OpenSession(ctx, coord.OpenRequest{
		FileID:              fileID,
		UserID:              userID,
		Mode:                input.Mode,
		Device:              input.Device,
		ExternalAccountID:   input.ExternalAccountID,
		LinkedUserSessionID: input.LinkedUserSessionID,
		StorageType:         input.StorageType,
		LongSession:         input.LongSession,
	})
	if err != nil {
		return errorResponse(h.log, "open", err), nil
	}
	return jsonResponse(http.StatusCreated, sessionRef{SessionID: sessionID}), nil
}

// CheckLock handles GET /sessions/{fileId}/lock.
func (h *SessionHandler) CheckLock(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}
	fileID := req.PathParameters["fileId"]
	if fileID == "" {
		return textResponse(http.StatusBadRequest, "Missing file ID"), nil
	}

	status, err := h.coord.CheckEditLock(ctx, fileID)
	if err != nil {
		return errorResponse(h.log, "check lock", err), nil
	}
	return jsonResponse(http.StatusOK, status), nil
}

// Heartbeat handles POST /sessions/{fileId}/heartbeat.
func (h *SessionHandler) Heartbeat(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	s, err := h.coord.Heartbeat(ctx, fileID, sess.SessionID)
	if err != nil {
		return errorResponse(h.log, "heartbeat", err), nil
	}
	return jsonResponse(http.StatusOK, s), nil
}

// CloseSession handles DELETE /sessions/{fileId}. The session id comes from
// the session_id query parameter.
func (h *SessionHandler) CloseSession(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if req.Body == "" {
		body, _ := json.Marshal(sessionRef{SessionID: req.QueryStringParameters["session_id"]})
		req.Body = string(body)
	}
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	if err := h.coord.CloseSession(ctx, fileID, sess.SessionID); err != nil {
		return errorResponse(h.log, "close", err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// SetState handles PUT /sessions/{fileId}/state.
func (h *SessionHandler) SetState(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var input struct {
		State model.State `json:"state"`
	}
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil || input.State == "" {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	s, err := h.coord.SetSaveState(ctx, fileID, sess.SessionID, input.State)
	if err != nil {
		return errorResponse(h.log, "set state", err), nil
	}
	return jsonResponse(http.StatusOK, s), nil
}

// RecordVersion handles PUT /sessions/{fileId}/version.
func (h *SessionHandler) RecordVersion(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var input struct {
		VersionID string `json:"version_id"`
	}
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil || input.VersionID == "" {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	s, err := h.coord.RecordVersionID(ctx, fileID, sess.SessionID, input.VersionID)
	if err != nil {
		return errorResponse(h.log, "record version", err), nil
	}
	return jsonResponse(http.StatusOK, s), nil
}

// RequestAccess handles POST /sessions/{fileId}/requests.
func (h *SessionHandler) RequestAccess(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	r, err := h.coord.RequestEditAccess(ctx, fileID, sess.UserID, sess.SessionID)
	if err != nil {
		return errorResponse(h.log, "request access", err), nil
	}
	return jsonResponse(http.StatusAccepted, r), nil
}

// PollAccess handles GET /sessions/{fileId}/requests/{sessionId}.
func (h *SessionHandler) PollAccess(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}
	fileID, requesterID := req.PathParameters["fileId"], req.PathParameters["sessionId"]
	if fileID == "" || requesterID == "" {
		return textResponse(http.StatusBadRequest, "Missing file or session ID"), nil
	}

	status, err := h.coord.PollEditAccess(ctx, fileID, requesterID)
	if err != nil {
		return errorResponse(h.log, "poll access", err), nil
	}
	return jsonResponse(http.StatusOK, map[string]coord.AccessStatus{"status": status}), nil
}

// GrantAccess handles POST /sessions/{fileId}/requests/{sessionId}/grant. The
// body names the caller's own (holding) session.
func (h *SessionHandler) GrantAccess(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.decide(ctx, req, "grant", h.coord.GrantEditAccess)
}

// DenyAccess handles POST /sessions/{fileId}/requests/{sessionId}/deny.
func (h *SessionHandler) DenyAccess(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return h.decide(ctx, req, "deny", h.coord.DenyEditAccess)
}

// Logout handles POST /auth/logout, closing every session opened under the
// caller's login session.
func (h *SessionHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if _, err := GetUserID(req, h.jwtSecret); err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}
	var input struct {
		LinkedUserSessionID string `json:"linked_user_session_id"`
	}
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil || input.LinkedUserSessionID == "" {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}

	n, err := h.coord.Logout(ctx, input.LinkedUserSessionID)
	if err != nil {
		return errorResponse(h.log, "logout", err), nil
	}
	return jsonResponse(http.StatusOK, map[string]int{"closed": n}), nil
}

func (h *SessionHandler) decide(ctx context.Context, req events.APIGatewayProxyRequest, op string,
	fn func(ctx context.Context, fileID, ownerSessionID, requesterSessionID string) error) (events.APIGatewayProxyResponse, error) {
	fileID, sess, resp, ok := h.own(ctx, req)
	if !ok {
		return resp, nil
	}
	requesterID := req.PathParameters["sessionId"]
	if requesterID == "" {
		return textResponse(http.StatusBadRequest, "Missing requester session ID"), nil
	}
	if err := fn(ctx, fileID, sess.SessionID, requesterID); err != nil {
		return errorResponse(h.log, op, err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// own authenticates the caller and loads the session named in the body,
// which must belong to them. ok is false when resp should be returned as is.
func (h *SessionHandler) own(ctx context.Context, req events.APIGatewayProxyRequest) (string, *model.Session, events.APIGatewayProxyResponse, bool) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return "", nil, textResponse(http.StatusUnauthorized, "Unauthorized"), false
	}
	fileID := req.PathParameters["fileId"]
	if fileID == "" {
		return "", nil, textResponse(http.StatusBadRequest, "Missing file ID"), false
	}
	var ref sessionRef
	if err := json.Unmarshal([]byte(req.Body), &ref); err != nil || ref.SessionID == "" {
		return "", nil, textResponse(http.StatusBadRequest, "Missing session ID"), false
	}

	s, resp, ok := ownedSession(ctx, h.coord, h.log, userID, fileID, ref.SessionID)
	return fileID, s, resp, ok
}
