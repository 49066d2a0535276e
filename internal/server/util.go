package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/enginectl/internal/supervisor"
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

// statusFor maps an error kind onto the HTTP status of the control API.
func statusFor(kind supervisor.Kind) int {
	switch kind {
	case supervisor.KindNotRunning:
		return http.StatusNotFound
	case supervisor.KindAborted:
		return http.StatusConflict
	case supervisor.KindReadinessTimeout:
		return http.StatusGatewayTimeout
	case supervisor.KindPortUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
