package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/cadsync/internal/conflict"
	"github.com/jun/cadsync/internal/coord"
	"github.com/jun/cadsync/internal/directory"
	"github.com/jun/cadsync/internal/handler"
	"github.com/jun/cadsync/internal/ledger"
	"github.com/jun/cadsync/internal/request"
	"github.com/jun/cadsync/internal/session"
	"github.com/jun/cadsync/internal/store"
)

const (
	testJWTSecret = "test-secret"
	testUserID    = "test-user-123"
	otherUserID   = "other-user-456"
)

func makeToken(userID string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte(testJWTSecret))
	return signed
}

func makeRequest(method, path, body string) events.APIGatewayProxyRequest {
	return makeRequestAs(testUserID, method, path, body)
}

func makeRequestAs(userID, method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(userID),
			"Content-Type":  "application/json",
		},
		PathParameters: map[string]string{},
	}
}

func newCoordinator(t *testing.T) *coord.Coordinator {
	t.Helper()
	st := store.New(store.NewMemory(), store.Options{})
	arb := request.NewArbiter(st, request.Table("EditRequests"), 0, nil, nil)
	reg := session.NewRegistry(st, session.SessionTable("EditSessions"),
		session.NewLeaseManager(st, session.LeaseTable("EditLeases")), arb, session.Config{}, nil)
	return coord.New(coord.Deps{
		Sessions:  reg,
		Requests:  arb,
		Ledger:    ledger.New(st, ledger.Table("ChangeLedger"), 0, nil, nil),
		Conflicts: conflict.VersionDetector{},
		Users:     directory.Static{testUserID: "Test User"},
	}, coord.Config{}, nil)
}

// openAs opens fileID for userID through the handler and returns the session id.
func openAs(t *testing.T, h *handler.SessionHandler, userID, fileID, mode string) string {
	t.Helper()
	req := makeRequestAs(userID, "POST", "/sessions/"+fileID, `{"mode":"`+mode+`","device":"desk"}`)
	req.PathParameters["fileId"] = fileID
	resp, err := h.OpenSession(context.Background(), req)
	if err != nil {
		t.Fatalf("OpenSession returned error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, resp.Body)
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(resp.Body), &out); err != nil || out.SessionID == "" {
		t.Fatalf("bad open response %q: %v", resp.Body, err)
	}
	return out.SessionID
}

func sessionBody(sessionID string) string {
	return `{"session_id":"` + sessionID + `"}`
}
