package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"creditgen-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	contextUserID     = "user_id"
	headerServiceKey  = "X-Service-Token"
	headerSignature   = "X-Webhook-Signature"
	headerRequestID   = "X-Request-Id"
	bearerTokenPrefix = "Bearer "
)

var errInvalidToken = errors.New("invalid token")

// Claims accepts either a user_id claim or the standard subject
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 session token for userID.
func GenerateToken(userID string, secret []byte, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errInvalidToken
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", fmt.Errorf("%w: no user claim", errInvalidToken)
}

// RequestLogger attaches request metadata to the context and logs each
// request once it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		meta := &models.RequestMeta{RequestId: requestID, IP: c.ClientIP()}
		c.Request = c.Request.WithContext(models.WithRequestMeta(c.Request.Context(), meta))
		c.Header(headerRequestID, requestID)

		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", meta.IP),
		}
		if meta.UserId != "" {
			fields = append(fields, zap.String("user_id", meta.UserId))
		}
		if meta.AdmissionToken != "" {
			fields = append(fields, zap.String("admission_token", meta.AdmissionToken))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			zap.L().Warn("HTTP request", fields...)
			return
		}
		zap.L().Debug("HTTP request", fields...)
	}
}

// AuthMiddleware resolves a bearer token to a user. Requests without a
// token continue anonymously; a token that does not verify is rejected.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		if !strings.HasPrefix(header, bearerTokenPrefix) || len(secret) == 0 {
			abortWithError(c, http.StatusUnauthorized, kindUnauthorized, "Invalid authorization header.")
			return
		}

		userID, err := parseToken(strings.TrimPrefix(header, bearerTokenPrefix), secret)
		if err != nil {
			zap.L().Debug("Rejected bearer token", zap.Error(err))
			abortWithError(c, http.StatusUnauthorized, kindUnauthorized, "Your session is invalid or expired.")
			return
		}

		c.Set(contextUserID, userID)
		if meta := models.GetRequestMeta(c.Request.Context()); meta != nil {
			meta.UserId = userID
		}
		c.Next()
	}
}

// RequireUser rejects anonymous requests
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID(c) == "" {
			abortWithError(c, http.StatusUnauthorized, kindUnauthorized, "Sign in to continue.")
			return
		}
		c.Next()
	}
}

// RequireServiceToken guards operator routes. An empty token disables them.
func RequireServiceToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader(headerServiceKey)
		if token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			abortWithError(c, http.StatusForbidden, kindForbidden, "Service token required.")
			return
		}
		c.Next()
	}
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body when a
// secret is configured, then restores the body for binding.
func VerifyWebhookSignature(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "ValidationError", "Unreadable payload.")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewBuffer(body))

		provided, err := hex.DecodeString(c.GetHeader(headerSignature))
		if err != nil || !hmac.Equal(provided, signBody([]byte(secret), body)) {
			zap.L().Warn("Rejected webhook with bad signature", zap.String("ip", c.ClientIP()))
			abortWithError(c, http.StatusUnauthorized, kindUnauthorized, "Invalid webhook signature.")
			return
		}
		c.Next()
	}
}

// SignWebhook returns the signature header value for body.
func SignWebhook(secret string, body []byte) string {
	return hex.EncodeToString(signBody([]byte(secret), body))
}

func signBody(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func userID(c *gin.Context) string {
	return c.GetString(contextUserID)
}
