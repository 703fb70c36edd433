package handlers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/voicecrm/auditcore/internal/auth"
	"github.com/voicecrm/auditcore/internal/config"
	"github.com/voicecrm/auditcore/internal/events"
	"github.com/voicecrm/auditcore/internal/rbac"
	"go.uber.org/zap"
)

// tailFilter narrows a connection to one operation and/or table.
type tailFilter struct {
	operation string
	table     string
}

func (f tailFilter) match(event events.Event) bool {
	if f.operation != "" {
		if op, _ := event.Payload["operation_type"].(string); op != f.operation {
			return false
		}
	}
	if f.table != "" {
		if table, _ := event.Payload["table_name"].(string); table != f.table {
			return false
		}
	}
	return true
}

// AuditTailHub streams audit_recorded events to connected auditors.
type AuditTailHub struct {
	cfg         *config.Config
	subscriber  events.Subscriber
	log         *zap.Logger
	mu          sync.RWMutex
	connections map[*websocket.Conn]tailFilter
}

func NewAuditTailHub(cfg *config.Config, subscriber events.Subscriber, log *zap.Logger) *AuditTailHub {
	return &AuditTailHub{
		cfg:         cfg,
		subscriber:  subscriber,
		log:         log,
		connections: make(map[*websocket.Conn]tailFilter),
	}
}

func (h *AuditTailHub) Start(ctx context.Context) error {
	return h.subscriber.Subscribe(ctx, events.StreamAudit, func(event events.Event) {
		h.broadcast(event)
	})
}

func (h *AuditTailHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *AuditTailHub) broadcast(event events.Event) {
	if event.Type != events.EventAuditRecorded {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn("failed to encode audit event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, filter := range h.connections {
		if !filter.match(event) {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("audit tail write failed", zap.Error(err))
		}
	}
}

// WSUpgradeMiddleware checks for websocket upgrade
func WSUpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

func (h *AuditTailHub) HandleWS(conn *websocket.Conn) {
	tokenStr := conn.Query("token")
	if tokenStr == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token"}`))
		conn.Close()
		return
	}

	claims, err := auth.ParseJWT(h.cfg.JWTSecret, tokenStr)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
		conn.Close()
		return
	}
	if !rbac.HasPermission(claims.Role, rbac.PermViewAudit) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"insufficient permissions"}`))
		conn.Close()
		return
	}

	filter := tailFilter{operation: conn.Query("operation_type"), table: conn.Query("table_name")}

	h.mu.Lock()
	h.connections[conn] = filter
	h.mu.Unlock()
	h.log.Debug("audit tail connected", zap.String("user_id", claims.UserID))

	defer func() {
		h.mu.Lock()
		delete(h.connections, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Read loop (keep alive / pings)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
