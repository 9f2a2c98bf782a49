package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/launchr/internal/auth"
	"github.com/loykin/launchr/internal/store"
	"github.com/loykin/launchr/internal/workflow"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates project refs and request ids taken from the path.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func projectParam(c *gin.Context) (string, bool) {
	ref := c.Param("project")
	if !isSafeName(ref) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid project: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return ref, true
}

func idParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid startup request id"})
		return "", false
	}
	return id, true
}

// actorOf returns the caller resolved by the auth middleware, or "".
func actorOf(c *gin.Context) string {
	if a, ok := auth.ActorFrom(c.Request.Context()); ok {
		return a.Name
	}
	return ""
}

// statusFor maps workflow errors to HTTP status codes.
func statusFor(err error) int {
	var (
		nf *workflow.NotFoundError
		is *workflow.InvalidStateError
		pe *workflow.PermissionError
		ve *workflow.ValidationError
	)
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &is):
		return http.StatusConflict
	case errors.As(err, &pe):
		return http.StatusForbidden
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func nonNil(recs []store.Request) []store.Request {
	if recs == nil {
		return []store.Request{}
	}
	return recs
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
