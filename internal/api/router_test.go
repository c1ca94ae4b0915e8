package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unisync/internal/announcement"
	"unisync/internal/attendance"
	"unisync/internal/auth"
	"unisync/internal/config"
	"unisync/internal/docstore"
	"unisync/internal/notify"
	"unisync/internal/queue"
	"unisync/internal/reconcile"
)

const classStart int64 = 1_700_000_000_000

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router http.Handler
	store  *docstore.Memory
	queue  *queue.InMemory
	now    time.Time
	cfg    config.App
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: docstore.NewMemory(),
		queue: queue.NewInMemory(16),
		now:   time.UnixMilli(classStart),
		cfg: config.App{
			JWTIssuer:     "unisync-test",
			JWTSigningKey: "test-key",
			CORSOrigins:   []string{"*"},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return env.now }

	svc := attendance.NewService(attendance.NewRepository(env.store), 15*time.Minute, attendance.WithClock(clock), attendance.WithLogger(logger))
	env.router = NewRouter(Deps{
		Config:        env.cfg,
		Logger:        logger,
		Store:         env.store,
		Reconciler:    reconcile.New(env.store, reconcile.WithClock(clock), reconcile.WithLogger(logger), reconcile.WithAttendance(svc)),
		Attendance:    svc,
		Announcements: announcement.NewService(env.store, notify.NewQueueNotifier(env.queue), logger),
		Inbox:         notify.NewInbox(env.store),
	})
	return env
}

func (e *testEnv) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, _, err := auth.Issue(userID, role, "Test "+role, e.cfg.JWTIssuer, e.cfg.JWTSigningKey, time.Hour)
	require.NoError(t, err)
	return tok
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message *string         `json:"message"`
	Error   *string         `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (int, response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestSyncPendingRejectsMissingOperations(t *testing.T) {
	env := setup(t)
	tok := env.token(t, "u1", auth.RoleStudent)

	for _, body := range []string{`{}`, `{"operations":null}`, `{"operations":{"operation":"CREATE"}}`, `{"operations":"CREATE"}`, `not json`} {
		code, resp := env.do(t, http.MethodPost, "/api/sync/pending", tok, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "Operations array is required", *resp.Error)
	}
}

func TestSyncPendingAppliesBatch(t *testing.T) {
	env := setup(t)
	tok := env.token(t, "u1", auth.RoleStudent)

	body := `{"operations":[
		{"operation":"CREATE","entityType":"Message","entityId":"m1","entityData":{"body":"hi"}},
		{"operation":"PATCH","entityType":"Message","entityId":"m2"},
		{"operation":"UPDATE","entityType":"Message","entityId":"m1","entityData":{"body":"hello","id":"evil"}},
		42
	]}`
	code, resp := env.do(t, http.MethodPost, "/api/sync/pending", tok, body)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, "Synced 2 operations", *resp.Message)

	var report reconcile.Report
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Equal(t, 2, report.Synced)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, "Unknown operation", report.Errors[0].Error)

	doc, err := env.store.Get(context.Background(), "messages", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", doc["id"])
	assert.Equal(t, "hello", doc["body"])

	code, resp = env.do(t, http.MethodGet, "/api/sync/status", tok, "")
	require.Equal(t, http.StatusOK, code)
	var st reconcile.Status
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, reconcile.Status{UserID: "u1", LastSyncTime: classStart, IsOnline: true}, st)
}

func TestSyncPendingRejectsMistypedEntityData(t *testing.T) {
	env := setup(t)
	tok := env.token(t, "u1", auth.RoleStudent)

	code, resp := env.do(t, http.MethodPost, "/api/sync/pending", tok,
		`{"operations":[{"operation":"CREATE","entityType":"Message","entityId":"m1","entityData":"body=hi"}]}`)
	require.Equal(t, http.StatusOK, code)

	var report reconcile.Report
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Equal(t, 0, report.Synced)
	require.Equal(t, 1, report.Failed)
	assert.Equal(t, reconcile.OperationError{Operation: "CREATE", EntityType: "Message", EntityID: "m1", Error: "invalid operation"}, report.Errors[0])

	_, err := env.store.Get(context.Background(), "messages", "m1")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSyncedAttendanceDoesNotDuplicateScan(t *testing.T) {
	env := setup(t)
	lecturer := env.token(t, "lec-1", auth.RoleLecturer)
	student := env.token(t, "S1", auth.RoleStudent)

	code, resp := env.do(t, http.MethodPost, "/api/qr-codes/generate", lecturer, `{"courseId":"CS101","classDate":1700000000000}`)
	require.Equal(t, http.StatusCreated, code)
	var tok attendance.Token
	require.NoError(t, json.Unmarshal(resp.Data, &tok))

	code, _ = env.do(t, http.MethodPost, "/api/qr-codes/scan", student, `{"qrData":"`+tok.QRData+`","studentId":"S1"}`)
	require.Equal(t, http.StatusCreated, code)

	code, resp = env.do(t, http.MethodPost, "/api/sync/pending", student, `{"operations":[{"operation":"CREATE","entityType":"Attendance","entityId":"client-1",
		"entityData":{"studentId":"S1","courseId":"CS101","classDate":1700000000000,"status":"PRESENT"}}]}`)
	require.Equal(t, http.StatusOK, code)
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Equal(t, 0, report.Synced)
	require.Equal(t, 1, report.Failed)
	assert.Equal(t, "Attendance already marked for this class", report.Errors[0].Error)

	records, err := env.store.Query(context.Background(), docstore.Query{
		Collection: "attendance",
		Where: []docstore.Filter{
			docstore.Eq("studentId", "S1"),
			docstore.Eq("courseId", "CS101"),
			docstore.Eq("classDate", classStart),
		},
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestAuthRequired(t *testing.T) {
	env := setup(t)

	code, resp := env.do(t, http.MethodPost, "/api/sync/pending", "", `{"operations":[]}`)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Authentication token required", *resp.Error)

	code, _ = env.do(t, http.MethodPost, "/api/sync/pending", "garbage", `{"operations":[]}`)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestQRCodeFlow(t *testing.T) {
	env := setup(t)
	lecturer := env.token(t, "lec-1", auth.RoleLecturer)
	student := env.token(t, "stu-1", auth.RoleStudent)

	code, _ := env.do(t, http.MethodPost, "/api/qr-codes/generate", student, `{"courseId":"CS101","classDate":1700000000000}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := env.do(t, http.MethodPost, "/api/qr-codes/generate", lecturer, `{"courseId":"CS101"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "courseId and classDate are required", *resp.Error)

	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/generate", lecturer, `{"courseId":"CS101","classDate":"1700000000000"}`)
	require.Equal(t, http.StatusCreated, code)
	var tok attendance.Token
	require.NoError(t, json.Unmarshal(resp.Data, &tok))
	assert.Equal(t, "lec-1", tok.LecturerID)
	assert.Equal(t, classStart+15*60*1000, tok.ExpiresAt)

	env.now = time.UnixMilli(classStart + 5*60*1000)
	scan := `{"qrData":"` + tok.QRData + `","studentId":"stu-1","latitude":6.9271,"longitude":79.8612}`

	code, _ = env.do(t, http.MethodPost, "/api/qr-codes/scan", lecturer, scan)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/scan", student, scan)
	require.Equal(t, http.StatusCreated, code)
	var rec attendance.Record
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, attendance.StatusPresent, rec.Status)
	require.NotNil(t, rec.Latitude)
	assert.InDelta(t, 6.9271, *rec.Latitude, 1e-9)

	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/scan", student, scan)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Attendance already marked for this class", *resp.Error)

	other := env.token(t, "stu-2", auth.RoleStudent)
	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/scan", other, scan)
	assert.Equal(t, http.StatusForbidden, code)

	env.now = time.UnixMilli(classStart + 16*60*1000)
	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/scan", other, `{"qrData":"`+tok.QRData+`","studentId":"stu-2"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "QR code has expired", *resp.Error)
}

func TestScanErrors(t *testing.T) {
	env := setup(t)
	student := env.token(t, "stu-1", auth.RoleStudent)

	code, resp := env.do(t, http.MethodPost, "/api/qr-codes/scan", student, `{"qrData":"CS101_lec","studentId":"stu-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid QR code format", *resp.Error)

	code, resp = env.do(t, http.MethodPost, "/api/qr-codes/scan", student, `{"qrData":"CS101_lec_1700000000000_nope","studentId":"stu-1"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Invalid QR code", *resp.Error)

	code, _ = env.do(t, http.MethodPost, "/api/qr-codes/scan", student, `{"studentId":"stu-1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAttendanceListAndStats(t *testing.T) {
	env := setup(t)
	lecturer := env.token(t, "lec-1", auth.RoleLecturer)
	student := env.token(t, "stu-1", auth.RoleStudent)

	for i, status := range []string{"PRESENT", "LATE"} {
		body := `{"studentId":"stu-1","courseId":"CS101","classDate":` + jsonInt(classStart+int64(i)) + `,"status":"` + status + `"}`
		code, _ := env.do(t, http.MethodPost, "/api/attendance", lecturer, body)
		require.Equal(t, http.StatusCreated, code)
	}
	code, _ := env.do(t, http.MethodPost, "/api/attendance", student, `{"studentId":"stu-1","courseId":"CS101","classDate":1,"status":"PRESENT"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := env.do(t, http.MethodGet, "/api/attendance?courseId=CS101", student, "")
	require.Equal(t, http.StatusOK, code)
	var records []attendance.Record
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	assert.Len(t, records, 2)

	code, resp = env.do(t, http.MethodGet, "/api/attendance/stats/stu-1/CS101", student, "")
	require.Equal(t, http.StatusOK, code)
	var st attendance.Stats
	require.NoError(t, json.Unmarshal(resp.Data, &st))
	assert.Equal(t, attendance.Stats{TotalClasses: 2, PresentCount: 1, LateCount: 1, AttendancePercentage: 50}, st)
}

func TestAnnouncementsAndInbox(t *testing.T) {
	env := setup(t)
	lecturer := env.token(t, "lec-1", auth.RoleLecturer)
	student := env.token(t, "stu-1", auth.RoleStudent)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, _ := env.do(t, http.MethodPost, "/api/announcements", student, `{"title":"x","content":"y"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := env.do(t, http.MethodPost, "/api/announcements", lecturer, `{"title":"Quiz","content":"Friday","courseId":"CS101","courseName":"Intro"}`)
	require.Equal(t, http.StatusCreated, code)
	var created announcement.Announcement
	require.NoError(t, json.Unmarshal(resp.Data, &created))

	code, resp = env.do(t, http.MethodGet, "/api/announcements?courseId=CS101", student, "")
	require.Equal(t, http.StatusOK, code)
	var list []announcement.Announcement
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	code, _ = env.do(t, http.MethodGet, "/api/announcements/missing", student, "")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, env.store.Set(ctx, "users", "stu-1", docstore.Doc{"id": "stu-1", "role": auth.RoleStudent}))
	msgs, err := env.queue.Consume(ctx)
	require.NoError(t, err)
	d := notify.NewDeliverer(env.store, nil)
	require.NoError(t, d.Handle(ctx, <-msgs))

	code, resp = env.do(t, http.MethodGet, "/api/notifications", student, "")
	require.Equal(t, http.StatusOK, code)
	var inbox []notify.Entry
	require.NoError(t, json.Unmarshal(resp.Data, &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, "Quiz - Intro", inbox[0].Body)

	code, _ = env.do(t, http.MethodPost, "/api/notifications/"+inbox[0].ID+"/read", lecturer, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodPost, "/api/notifications/"+inbox[0].ID+"/read", student, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	env := setup(t)

	code, resp := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, resp = env.do(t, http.MethodGet, "/api/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
