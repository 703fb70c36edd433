package handlers

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/voicecrm/auditcore/internal/http/dto"
	"github.com/voicecrm/auditcore/internal/ledger"
	"github.com/voicecrm/auditcore/internal/middleware"
	"github.com/voicecrm/auditcore/internal/models"
	"github.com/voicecrm/auditcore/internal/repositories"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

const (
	auditLogsTable    = "audit_logs"
	auditExportsTable = "audit_exports"
)

type AuditHandler struct {
	reports       *services.ReportService
	audit         services.AuditSubmitter
	retentionDays int
	log           *zap.Logger
}

func NewAuditHandler(reports *services.ReportService, audit services.AuditSubmitter, retentionDays int, log *zap.Logger) *AuditHandler {
	return &AuditHandler{reports: reports, audit: audit, retentionDays: retentionDays, log: log}
}

func (h *AuditHandler) List(c *fiber.Ctx) error {
	f, err := h.parseQuery(c)
	if err != nil {
		return h.badRequest(c, err)
	}
	page, err := h.reports.List(c.UserContext(), f)
	if err != nil {
		return h.internal(c, "failed to list audit logs", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: page})
}

func (h *AuditHandler) Summary(c *fiber.Ctx) error {
	f, err := h.parseQuery(c)
	if err != nil {
		return h.badRequest(c, err)
	}
	summary, err := h.reports.Summary(c.UserContext(), f)
	if err != nil {
		return h.internal(c, "failed to summarize audit logs", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: summary})
}

func (h *AuditHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid audit log id", RequestID: middleware.GetRequestID(c)})
	}
	rec, err := h.reports.Get(c.UserContext(), id)
	if errors.Is(err, repositories.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "audit log not found", RequestID: middleware.GetRequestID(c)})
	}
	if err != nil {
		return h.internal(c, "failed to load audit log", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: rec})
}

// Export writes a workbook for the filters in the JSON body. The export is
// itself audited as a READ of the audit log.
func (h *AuditHandler) Export(c *fiber.Ctx) error {
	started := time.Now()

	var q dto.AuditQuery
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&q); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request", RequestID: middleware.GetRequestID(c)})
		}
	}
	f, err := q.ToFilter()
	if err != nil {
		return h.badRequest(c, err)
	}

	res, err := h.reports.Export(c.UserContext(), f)
	filters := models.DocumentFromMap(toAny(f.Describe()))
	switch {
	case errors.Is(err, ledger.ErrNoRecords):
		h.record(c, models.OpRead, auditLogsTable, "", filters, fiber.StatusNotFound, started, err)
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "no audit records match the filters", RequestID: middleware.GetRequestID(c)})
	case err != nil:
		h.record(c, models.OpRead, auditLogsTable, "", filters, fiber.StatusInternalServerError, started, err)
		return h.internal(c, "failed to export audit logs", err)
	}

	after := models.NewDocument().
		Set("file_name", res.FileName).
		Set("record_count", res.RecordCount).
		Set("filters", filters)
	h.record(c, models.OpRead, auditLogsTable, res.FileName, after, fiber.StatusCreated, started, nil)
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: res})
}

// DailyExport (re)writes today's workbook. Audited as a READ like Export.
func (h *AuditHandler) DailyExport(c *fiber.Ctx) error {
	started := time.Now()
	params := models.NewDocument().Set("type", "daily")

	res, err := h.reports.RunDailyExport(c.UserContext())
	if err != nil {
		h.record(c, models.OpRead, auditLogsTable, "", params, fiber.StatusInternalServerError, started, err)
		return h.internal(c, "daily export failed", err)
	}
	if res == nil {
		h.record(c, models.OpRead, auditLogsTable, "", params.Set("exported", false), fiber.StatusOK, started, nil)
		return c.JSON(dto.SuccessResponse{OK: true, Data: fiber.Map{"exported": false}})
	}

	h.record(c, models.OpRead, auditLogsTable, res.FileName, params.
		Set("file_name", res.FileName).
		Set("date", res.Date).
		Set("record_count", res.RecordCount), fiber.StatusCreated, started, nil)
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *AuditHandler) ListExports(c *fiber.Ctx) error {
	date := c.Query("date", time.Now().Format(ledger.DayLayout))
	files, err := h.reports.ListExports(date)
	if ledger.IsClientError(err) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "date must be YYYY-MM-DD", RequestID: middleware.GetRequestID(c)})
	}
	if err != nil {
		return h.internal(c, "failed to list exports", err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: files})
}

func (h *AuditHandler) Download(c *fiber.Ctx) error {
	name := c.Params("filename")
	path, err := h.reports.ExportPath(c.Params("date"), name)
	switch {
	case ledger.IsClientError(err):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid export reference", RequestID: middleware.GetRequestID(c)})
	case errors.Is(err, os.ErrNotExist):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "export not found", RequestID: middleware.GetRequestID(c)})
	case err != nil:
		return h.internal(c, "failed to locate export", err)
	}
	return c.Download(path, name)
}

// Prune removes export buckets older than the requested retention. Without a
// body the configured retention applies. Audited as a DELETE.
func (h *AuditHandler) Prune(c *fiber.Ctx) error {
	started := time.Now()

	req := dto.PruneRequest{Days: h.retentionDays}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request", RequestID: middleware.GetRequestID(c)})
		}
	}
	if err := dto.ValidateStruct(req); err != nil {
		return h.badRequest(c, err)
	}

	before := models.NewDocument().Set("retention_days", req.Days)
	removed, err := h.reports.Prune(req.Days)
	if err != nil {
		h.record(c, models.OpDelete, auditExportsTable, "", before, fiber.StatusInternalServerError, started, err)
		return h.internal(c, "failed to prune exports", err)
	}

	h.record(c, models.OpDelete, auditExportsTable, "", models.NewDocument().
		Set("retention_days", req.Days).
		Set("removed", removed), fiber.StatusOK, started, nil)
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.PruneResponse{Removed: removed, RetentionDays: req.Days}})
}

func (h *AuditHandler) parseQuery(c *fiber.Ctx) (repositories.AuditFilter, error) {
	var q dto.AuditQuery
	if err := c.QueryParser(&q); err != nil {
		return repositories.AuditFilter{}, &dto.ValidationError{Message: "invalid query", Fields: map[string]string{"query": err.Error()}}
	}
	return q.ToFilter()
}

func (h *AuditHandler) record(c *fiber.Ctx, op models.OperationType, table, recordID string, after *models.Document, status int, started time.Time, err error) {
	actor := middleware.ActorFromClaims(middleware.GetClaims(c))
	outcome := services.Outcome{Status: status, ExecutionTime: time.Since(started)}
	if err != nil {
		outcome.ErrorMessage = err.Error()
	}
	h.audit.Submit(services.AuditInput{
		Actor:     &actor,
		Operation: op,
		TableName: table,
		RecordID:  recordID,
		After:     after,
		HTTP:      middleware.CaptureRequest(c),
		Outcome:   outcome,
	})
}

func (h *AuditHandler) badRequest(c *fiber.Ctx, err error) error {
	var verr *dto.ValidationError
	if errors.As(err, &verr) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ValidationErrorResponse{
			Error:     verr.Message,
			Fields:    verr.Fields,
			RequestID: middleware.GetRequestID(c),
		})
	}
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request", RequestID: middleware.GetRequestID(c)})
}

func (h *AuditHandler) internal(c *fiber.Ctx, msg string, err error) error {
	reqID := middleware.GetRequestID(c)
	h.log.Error(msg, zap.Error(err), zap.String("request_id", reqID))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID})
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
