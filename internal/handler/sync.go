package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/coord"
)

// SyncHandler handles version conflict detection and conflict copies.
type SyncHandler struct {
	coord     *coord.Coordinator
	jwtSecret string
	log       *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(c *coord.Coordinator, jwtSecret string, log *zap.Logger) *SyncHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncHandler{coord: c, jwtSecret: jwtSecret, log: log}
}

// CheckConflictRequest represents the request body for conflict checking.
type CheckConflictRequest struct {
	FileID          string `json:"file_id"`
	SessionID       string `json:"session_id"`
	RemoteVersionID string `json:"remote_version_id"`
}

// CheckConflictResponse represents the response body.
type CheckConflictResponse struct {
	HasConflict bool `json:"has_conflict"`
}

// ResolveConflictRequest moves a session to the conflict copy of its file.
type ResolveConflictRequest struct {
	FileID    string `json:"file_id"`
	NewFileID string `json:"new_file_id"`
	SessionID string `json:"session_id"`
}

// CheckConflict reports whether the remote version diverged from the one the
// session last wrote.
func (h *SyncHandler) CheckConflict(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}

	var input CheckConflictRequest
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil || input.FileID == "" || input.SessionID == "" {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if _, resp, ok := ownedSession(ctx, h.coord, h.log, userID, input.FileID, input.SessionID); !ok {
		return resp, nil
	}

	conflict, err := h.coord.CheckVersionConflict(ctx, input.FileID, input.SessionID, input.RemoteVersionID)
	if err != nil {
		return errorResponse(h.log, "check conflict", err), nil
	}
	return jsonResponse(http.StatusOK, CheckConflictResponse{HasConflict: conflict}), nil
}

// ResolveConflict moves the session and its unsaved changes to the conflict
// copy the client created.
func (h *SyncHandler) ResolveConflict(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	userID, err := GetUserID(req, h.jwtSecret)
	if err != nil {
		return textResponse(http.StatusUnauthorized, "Unauthorized"), nil
	}

	var input ResolveConflictRequest
	if err := json.Unmarshal([]byte(req.Body), &input); err != nil ||
		input.FileID == "" || input.NewFileID == "" || input.SessionID == "" || input.FileID == input.NewFileID {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if _, resp, ok := ownedSession(ctx, h.coord, h.log, userID, input.FileID, input.SessionID); !ok {
		return resp, nil
	}

	moved, err := h.coord.ResolveConflictCopy(ctx, input.FileID, input.NewFileID, input.SessionID)
	if err != nil {
		return errorResponse(h.log, "resolve conflict", err), nil
	}
	return jsonResponse(http.StatusOK, moved), nil
}
