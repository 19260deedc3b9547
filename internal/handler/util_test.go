package handler_test

import (
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jun/cadsync/internal/handler"
)

func TestGetUserID_BearerToken(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Authorization": "Bearer " + makeToken(testUserID),
		},
	}

	userID, err := handler.GetUserID(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetUserID failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}

func TestGetUserID_Cookie(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"Cookie": "theme=dark; session_token=" + makeToken(testUserID) + "; Path=/",
		},
	}

	userID, err := handler.GetUserID(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetUserID from cookie failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}

func TestGetUserID_Rejected(t *testing.T) {
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testUserID,
		"exp": time.Now().Add(-1 * time.Hour).Unix(),
	})
	expiredToken, _ := expired.SignedString([]byte(testJWTSecret))

	noSub := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noSubToken, _ := noSub.SignedString([]byte(testJWTSecret))

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no token", map[string]string{}},
		{"garbage", map[string]string{"Authorization": "Bearer invalid-jwt-token"}},
		{"expired", map[string]string{"Authorization": "Bearer " + expiredToken}},
		{"missing sub", map[string]string{"Authorization": "Bearer " + noSubToken}},
		{"wrong secret", map[string]string{"Authorization": "Bearer " + makeToken(testUserID)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := testJWTSecret
			if tt.name == "wrong secret" {
				secret = "another-secret"
			}
			req := events.APIGatewayProxyRequest{Headers: tt.headers}
			if _, err := handler.GetUserID(req, secret); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestGetUserID_CaseInsensitiveHeaders(t *testing.T) {
	req := events.APIGatewayProxyRequest{
		Headers: map[string]string{
			"authorization": "Bearer " + makeToken(testUserID),
		},
	}

	userID, err := handler.GetUserID(req, testJWTSecret)
	if err != nil {
		t.Fatalf("GetUserID with lowercase header failed: %v", err)
	}
	if userID != testUserID {
		t.Errorf("Expected userID '%s', got '%s'", testUserID, userID)
	}
}
