package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	csrfCookie      = "amila_csrf"
	csrfHeader      = "X-CSRF-Token"
	signatureHeader = "X-Signature"
	timestampHeader = "X-Timestamp"
)

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// requireAuth enforces the static bearer token. The stream route is exempt
// because EventSource cannot set headers; it carries a signed token instead.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == streamRoute {
			c.Next()
			return
		}
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, prefix) {
			abortError(c, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AuthToken)) != 1 {
			abortError(c, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		c.Next()
	}
}

// requireCSRF enforces the cookie/header pair on unsafe methods.
func (s *Server) requireCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethod(c.Request.Method) {
			c.Next()
			return
		}
		cookie, err := c.Cookie(csrfCookie)
		header := c.GetHeader(csrfHeader)
		if err != nil || cookie == "" || header == "" ||
			subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) != 1 {
			abortError(c, http.StatusForbidden, "CSRF token missing or mismatched")
			return
		}
		c.Next()
	}
}

// requireSignature verifies hex(hmac_sha256(secret, METHOD||PATH||TIMESTAMP
// ||BODY)) on unsafe methods, with the timestamp bounded to the configured
// window.
func (s *Server) requireSignature() gin.HandlerFunc {
	return func(c *gin.Context) {
		if safeMethod(c.Request.Method) {
			c.Next()
			return
		}

		timestamp := c.GetHeader(timestampHeader)
		signature := c.GetHeader(signatureHeader)
		if timestamp == "" || signature == "" {
			abortError(c, http.StatusForbidden, "request signature required")
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			abortError(c, http.StatusForbidden, "invalid signature timestamp")
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < -s.cfg.Server.SignatureWindow || skew > s.cfg.Server.SignatureWindow {
			abortError(c, http.StatusForbidden, "signature timestamp outside allowed window")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortError(c, http.StatusBadRequest, "failed to read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		expected := SignRequest(s.cfg.Server.SignatureSecret,
			c.Request.Method, c.Request.URL.Path, timestamp, body)
		if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
			abortError(c, http.StatusForbidden, "invalid request signature")
			return
		}
		c.Next()
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// SignRequest computes the request signature clients must send on unsafe
// methods.
func SignRequest(secret, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueCSRFToken mints the CSRF cookie. Clients echo its value in the
// X-CSRF-Token header on unsafe methods.
func (s *Server) IssueCSRFToken(c *gin.Context) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		abortError(c, http.StatusInternalServerError, "failed to generate token")
		return
	}
	token := hex.EncodeToString(buf)
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(csrfCookie, token, int((12 * time.Hour).Seconds()), "/", "", false, false)
	c.JSON(http.StatusOK, gin.H{"csrf_token": token})
}

// signStreamToken binds a stream token to one query and an expiry.
func signStreamToken(secret, queryID string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "stream.%s.%d", queryID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyStreamToken(secret, queryID, token string, expires int64) bool {
	if time.Now().Unix() > expires {
		return false
	}
	expected := signStreamToken(secret, queryID, expires)
	return hmac.Equal([]byte(token), []byte(expected))
}
