package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voicecrm/auditcore/internal/auth"
	"github.com/voicecrm/auditcore/internal/config"
	apihttp "github.com/voicecrm/auditcore/internal/http"
	"github.com/voicecrm/auditcore/internal/http/handlers"
	"github.com/voicecrm/auditcore/internal/ledger"
	"github.com/voicecrm/auditcore/internal/models"
	"github.com/voicecrm/auditcore/internal/rbac"
	"github.com/voicecrm/auditcore/internal/repositories"
	"github.com/voicecrm/auditcore/internal/services"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret"

type recordingSubmitter struct {
	mu     sync.Mutex
	inputs []services.AuditInput
}

func (r *recordingSubmitter) Submit(in services.AuditInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
}

func (r *recordingSubmitter) last(t *testing.T) services.AuditInput {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.inputs, "expected an audit submission")
	return r.inputs[len(r.inputs)-1]
}

type testEnv struct {
	app   *fiber.App
	repo  *repositories.MemoryAuditRepo
	audit *recordingSubmitter
	root  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()
	cfg := &config.Config{JWTSecret: testSecret, CORSAllowOrigins: "*", RateLimitPerMinute: 100}

	repo := repositories.NewMemoryAuditRepo()
	root := t.TempDir()
	exporter := ledger.NewExporter(root, ledger.NewLedger(root), log, ledger.WithSource(repo))
	reports := services.NewReportService(repo, exporter, log)
	sub := &recordingSubmitter{}

	app := fiber.New()
	apihttp.SetupRouter(app, cfg, log, nil, nil, nil, handlers.NewAuditHandler(reports, sub, 30, log), nil)
	return &testEnv{app: app, repo: repo, audit: sub, root: root}
}

func (e *testEnv) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		status := 200
		email := "agent@voicecrm.test"
		_, err := e.repo.Insert(context.Background(), &models.AuditRecord{
			UserEmail:      &email,
			OperationType:  models.OpUpdate,
			TableName:      "leads",
			RecordID:       fmt.Sprintf("lead-%d", i),
			ChangedFields:  []string{"status"},
			ResponseStatus: &status,
		})
		require.NoError(t, err)
	}
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(testSecret, auth.Identity{UserID: "u-1", Email: "admin@voicecrm.test", Name: "Admin", Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, target, role, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestAuditLogsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/api/v1/audit-logs", "", "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "missing authorization header", body["error"])
}

func TestViewerCannotExportOrPrune(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "POST", "/api/v1/audit-logs/export", rbac.RoleViewer, "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, _ = env.do(t, "POST", "/api/v1/audit-logs/prune", rbac.RoleAuditor, `{"days":7}`)
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestListAndGetAuditLogs(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 3)

	status, body := env.do(t, "GET", "/api/v1/audit-logs?limit=2", rbac.RoleViewer, "")
	require.Equal(t, fiber.StatusOK, status)
	page := body["data"].(map[string]any)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 2, page["limit"])
	assert.Len(t, page["items"], 2)

	status, body = env.do(t, "GET", "/api/v1/audit-logs/1", rbac.RoleViewer, "")
	require.Equal(t, fiber.StatusOK, status)
	rec := body["data"].(map[string]any)
	assert.Equal(t, "lead-0", rec["record_id"])

	status, _ = env.do(t, "GET", "/api/v1/audit-logs/999", rbac.RoleViewer, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.do(t, "GET", "/api/v1/audit-logs/abc", rbac.RoleViewer, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestListRejectsBadFilters(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/api/v1/audit-logs?operation_type=PATCH&limit=9999", rbac.RoleViewer, "")
	require.Equal(t, fiber.StatusBadRequest, status)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok, "expected field errors, got %v", body)
	assert.Contains(t, fields, "operation_type")
	assert.Contains(t, fields, "limit")

	status, _ = env.do(t, "GET", "/api/v1/audit-logs?from=2026-10-19&to=2026-10-01", rbac.RoleViewer, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSummaryCountsByOperation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 2)

	status, body := env.do(t, "GET", "/api/v1/audit-logs/summary", rbac.RoleAuditor, "")
	require.Equal(t, fiber.StatusOK, status)
	summary := body["data"].(map[string]any)
	assert.EqualValues(t, 2, summary["total"])
}

func TestExportIsAudited(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "POST", "/api/v1/audit-logs/export", rbac.RoleAuditor, "")
	require.Equal(t, fiber.StatusNotFound, status)
	miss := env.audit.last(t)
	assert.Equal(t, models.OpRead, miss.Operation)
	assert.Equal(t, "audit_logs", miss.TableName)
	assert.Equal(t, fiber.StatusNotFound, miss.Outcome.Status)
	assert.NotEmpty(t, miss.Outcome.ErrorMessage)

	env.seed(t, 4)
	status, body := env.do(t, "POST", "/api/v1/audit-logs/export", rbac.RoleAuditor, `{"table_name":"leads"}`)
	require.Equal(t, fiber.StatusCreated, status)
	res := body["data"].(map[string]any)
	name := res["file_name"].(string)
	assert.EqualValues(t, 4, res["record_count"])
	assert.NotContains(t, res, "FilePath")

	hit := env.audit.last(t)
	assert.Equal(t, models.OpRead, hit.Operation)
	assert.Equal(t, name, hit.RecordID)
	assert.Equal(t, "admin@voicecrm.test", hit.Actor.Email)
	filters, _ := hit.After.Get("filters")
	assert.True(t, filters.(*models.Document).Has("table_name"))

	day := res["date"].(string)
	_, err := os.Stat(filepath.Join(env.root, day, name))
	require.NoError(t, err)

	status, body = env.do(t, "GET", "/api/v1/audit-logs/exports?date="+day, rbac.RoleAuditor, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["data"], 1)

	req := httptest.NewRequest("GET", "/api/v1/audit-logs/exports/"+day+"/"+name, nil)
	req.Header.Set("Authorization", "Bearer "+token(t, rbac.RoleAuditor))
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), name)
}

func TestDownloadRejectsBadReferences(t *testing.T) {
	env := newTestEnv(t)

	status, _ := env.do(t, "GET", "/api/v1/audit-logs/exports/2026-10-19/notes.txt", rbac.RoleAuditor, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.do(t, "GET", "/api/v1/audit-logs/exports/19-10-2026/audit_logs_x.xlsx", rbac.RoleAuditor, "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = env.do(t, "GET", "/api/v1/audit-logs/exports/2026-10-19/audit_logs_missing.xlsx", rbac.RoleAuditor, "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = env.do(t, "GET", "/api/v1/audit-logs/exports?date=yesterday", rbac.RoleAuditor, "")
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestDailyExportWithoutRecords(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/api/v1/audit-logs/daily-export", rbac.RoleAdmin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["data"].(map[string]any)["exported"])

	in := env.audit.last(t)
	assert.Equal(t, models.OpRead, in.Operation)
	assert.Equal(t, "audit_logs", in.TableName)
	assert.Equal(t, fiber.StatusOK, in.Outcome.Status)
}

func TestDailyExportIsAuditedForAuditors(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, 2)

	status, _ := env.do(t, "POST", "/api/v1/audit-logs/daily-export", rbac.RoleViewer, "")
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := env.do(t, "POST", "/api/v1/audit-logs/daily-export", rbac.RoleAuditor, "")
	require.Equal(t, fiber.StatusCreated, status)
	res := body["data"].(map[string]any)
	name := res["file_name"].(string)
	assert.Equal(t, "audit_logs_"+res["date"].(string)+".xlsx", name)

	in := env.audit.last(t)
	assert.Equal(t, models.OpRead, in.Operation)
	assert.Equal(t, "audit_logs", in.TableName)
	assert.Equal(t, name, in.RecordID)
	assert.Equal(t, fiber.StatusCreated, in.Outcome.Status)
	count, _ := in.After.Get("record_count")
	assert.Equal(t, 2, count)
}

func TestPruneIsAudited(t *testing.T) {
	env := newTestEnv(t)
	old := filepath.Join(env.root, time.Now().AddDate(0, 0, -90).Format(ledger.DayLayout))
	require.NoError(t, os.MkdirAll(old, 0o755))

	status, body := env.do(t, "POST", "/api/v1/audit-logs/prune", rbac.RoleAdmin, `{"days":0}`)
	require.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, body["fields"], "days")

	status, body = env.do(t, "POST", "/api/v1/audit-logs/prune", rbac.RoleAdmin, `{"days":7}`)
	require.Equal(t, fiber.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 1, data["removed"])
	assert.EqualValues(t, 7, data["retention_days"])

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))

	in := env.audit.last(t)
	assert.Equal(t, models.OpDelete, in.Operation)
	assert.Equal(t, "audit_exports", in.TableName)
	assert.Equal(t, fiber.StatusOK, in.Outcome.Status)
	removed, _ := in.After.Get("removed")
	assert.Equal(t, 1, removed)
}

func TestPruneDefaultsToConfiguredRetention(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "POST", "/api/v1/audit-logs/prune", rbac.RoleAdmin, "")
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 30, body["data"].(map[string]any)["retention_days"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, "GET", "/health", "", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
