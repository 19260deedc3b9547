package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/coord"
	"github.com/jun/cadsync/internal/model"
	"github.com/jun/cadsync/internal/request"
	"github.com/jun/cadsync/internal/session"
)

// GetUserID extracts the user ID from the Authorization header or session cookie.
func GetUserID(req events.APIGatewayProxyRequest, jwtSecret string) (string, error) {
	getHeader := func(name string) string {
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	tokenString := ""
	authHeader := getHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}

	// Cookie format: session_token=xxx; ...
	if tokenString == "" {
		for _, part := range strings.Split(getHeader("Cookie"), ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "session_token=") {
				tokenString = strings.TrimPrefix(part, "session_token=")
				break
			}
		}
	}

	if tokenString == "" {
		return "", fmt.Errorf("no authorization token found")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub, nil
		}
	}
	return "", fmt.Errorf("invalid token claims")
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

func textResponse(status int, msg string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: msg}
}

// errorResponse maps a coordination error to an HTTP response. Unknown
// errors are logged and reported as 500.
func errorResponse(log *zap.Logger, op string, err error) events.APIGatewayProxyResponse {
	var locked *session.LockedError
	switch {
	case errors.As(err, &locked):
		return jsonResponse(http.StatusConflict, map[string]string{
			"error":            locked.Error(),
			"ownerUserId":      locked.OwnerUserID,
			"ownerSessionId":   locked.OwnerSessionID,
			"ownerDisplayName": locked.OwnerDisplayName,
		})
	case errors.Is(err, session.ErrSessionNotFound):
		return textResponse(http.StatusNotFound, "Session not found or expired")
	case errors.Is(err, request.ErrRequestNotFound):
		return textResponse(http.StatusNotFound, "Request not found or expired")
	case errors.Is(err, session.ErrForbidden):
		return textResponse(http.StatusForbidden, "Forbidden")
	case errors.Is(err, session.ErrInvalidTransition):
		return textResponse(http.StatusConflict, err.Error())
	case errors.Is(err, coord.ErrNotLocked):
		return textResponse(http.StatusConflict, "File is not locked")
	case errors.Is(err, session.ErrInvalidMode), errors.Is(err, session.ErrInvalidTransfer),
		errors.Is(err, request.ErrSelfRequest):
		return textResponse(http.StatusBadRequest, err.Error())
	}
	log.Error("request failed", zap.String("op", op), zap.Error(err))
	return textResponse(http.StatusInternalServerError, "Internal Server Error")
}

// ownedSession loads a live session and checks that userID owns it. ok is
// false when resp should be returned as is.
func ownedSession(ctx context.Context, c *coord.Coordinator, log *zap.Logger, userID, fileID, sessionID string) (*model.Session, events.APIGatewayProxyResponse, bool) {
	s, err := c.GetSession(ctx, fileID, sessionID)
	if err != nil {
		return nil, errorResponse(log, "authorize", err), false
	}
	if s.UserID != userID {
		return nil, textResponse(http.StatusForbidden, "Forbidden"), false
	}
	return s, events.APIGatewayProxyResponse{}, true
}
