package server

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/rolewatch/internal/supervisor"
)

// sanitizeBase normalizes a mount prefix: leading slash, no trailing slash,
// duplicate separators collapsed. "" and "/" mount at the root.
func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" {
		return ""
	}
	bp = path.Clean("/" + bp)
	if bp == "/" {
		return ""
	}
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// writeError replies with {error, status}; st is omitted when nil.
func writeError(c *gin.Context, code int, err error, st *supervisor.Status) {
	writeJSON(c, code, errorResp{Error: err.Error(), Status: st})
}
