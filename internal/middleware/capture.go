package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/voicecrm/auditcore/internal/models"
	"github.com/voicecrm/auditcore/internal/services"
)

// CaptureRequest copies what an audit record needs out of the fiber context.
// fasthttp reuses request buffers, so nothing in the result may alias them.
func CaptureRequest(c *fiber.Ctx) *services.HTTPContext {
	headers := make(http.Header)
	c.Request().Header.VisitAll(func(k, v []byte) {
		headers.Add(string(k), string(v))
	})

	hc := &services.HTTPContext{
		Method:     utils.CopyString(c.Method()),
		URL:        utils.CopyString(c.OriginalURL()),
		Headers:    headers,
		RemoteAddr: c.Context().RemoteAddr().String(),
		SessionID:  headers.Get("X-Session-ID"),
	}
	if hc.SessionID == "" {
		if claims := GetClaims(c); claims != nil {
			hc.SessionID = claims.ID
		}
	}

	if body := c.Body(); len(body) > 0 && strings.Contains(headers.Get("Content-Type"), "json") {
		if doc, err := models.ParseDocument(body); err == nil {
			hc.Body = doc
		}
	}
	return hc
}
