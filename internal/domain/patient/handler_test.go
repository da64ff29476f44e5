package patient

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careportal/portal/internal/platform/apperr"
	"github.com/careportal/portal/internal/platform/auth"
)

type testServer struct {
	e      *echo.Echo
	f      *fixture
	tokens *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	f := newFixture(t)
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{Secret: []byte("patient-test-secret"), Issuer: "careportal", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group("/api"), auth.BearerMiddleware(tokens))
	return &testServer{e: e, f: f, tokens: tokens}
}

func (s *testServer) token(t *testing.T, id int64, role string) string {
	t.Helper()
	tok, _, err := s.tokens.Sign(auth.Identity{Subject: id, Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (s *testServer) do(req *http.Request, token string) *httptest.ResponseRecorder {
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) json(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return s.do(req, token)
}

func avatarRequest(t *testing.T, contentType string, size int) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="avatar"; filename="me.png"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(bytes.Repeat([]byte{0x42}, size))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, AvatarPath, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestHandler_RequiresPatient(t *testing.T) {
	s := newTestServer(t)

	if rec := s.json(http.MethodGet, "/api/patient/me", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	doctor := s.token(t, alice, "doctor")
	for _, path := range []string{"/api/patient/me", "/api/patient/bima", "/api/patient/health/history"} {
		if rec := s.json(http.MethodGet, path, "", doctor); rec.Code != http.StatusForbidden {
			t.Errorf("%s: expected 403 for doctor token, got %d", path, rec.Code)
		}
	}
}

func TestRequirePatient(t *testing.T) {
	ctx := auth.WithIdentity(httptest.NewRequest(http.MethodGet, "/", nil).Context(), auth.Identity{Subject: 7, Role: "pharmacist"})
	if _, err := requirePatient(ctx); apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("expected forbidden, got %v", err)
	}
	ctx = auth.WithIdentity(ctx, auth.Identity{Subject: 7, Role: "patient"})
	id, err := requirePatient(ctx)
	if err != nil || id != 7 {
		t.Errorf("expected subject 7, got %d, %v", id, err)
	}
}

func TestHandler_ProfileRoundTrip(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	rec := s.json(http.MethodGet, "/api/patient/me", "", tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hash") {
		t.Errorf("profile must not expose the password hash: %s", rec.Body.String())
	}

	rec = s.json(http.MethodPut, "/api/patient/me", `{"name":"Alice Liddell","phone":""}`, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Profile Profile `json:"profile"`
		Message string  `json:"message"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Profile.Name != "Alice Liddell" || body.Profile.Phone != "9000000001" || body.Message != "Profile updated" {
		t.Errorf("unexpected response %+v", body)
	}

	rec = s.json(http.MethodPut, "/api/patient/me", `{"email":"bob@example.com"}`, tok)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_ChangePassword(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	rec := s.json(http.MethodPut, "/api/patient/me/password", `{"current_password":"bad-guess","new_password":"newpass1"}`, tok)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	rec = s.json(http.MethodPut, "/api/patient/me/password", `{"current_password":"alicepass"}`, tok)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = s.json(http.MethodPut, "/api/patient/me/password", `{"current_password":"alicepass","new_password":"newpass1"}`, tok)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_UploadAvatar(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	rec := s.do(avatarRequest(t, "image/png", 1024), tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if !strings.HasPrefix(body["avatar_url"], "/uploads/avatars/patient-1-") || !strings.HasSuffix(body["avatar_url"], ".png") {
		t.Errorf("unexpected avatar_url %q", body["avatar_url"])
	}
}

func TestHandler_UploadAvatar_Rejections(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	if rec := s.do(avatarRequest(t, "image/png", 4<<20), tok); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("4 MiB png: expected 413, got %d", rec.Code)
	}
	if rec := s.do(avatarRequest(t, "text/plain", 1<<20), tok); rec.Code != http.StatusBadRequest {
		t.Errorf("text upload: expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, AvatarPath, strings.NewReader(""))
	req.Header.Set(echo.HeaderContentType, "multipart/form-data; boundary=x")
	if rec := s.do(req, tok); rec.Code != http.StatusBadRequest {
		t.Errorf("missing file: expected 400, got %d", rec.Code)
	}
	if s.f.store.Len() != 0 {
		t.Error("rejected uploads must not be stored")
	}
}

func TestHandler_Insurance(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	rec := s.json(http.MethodGet, "/api/patient/bima", "", tok)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"bima":null}` {
		t.Errorf("expected null bima, got %d %s", rec.Code, rec.Body.String())
	}

	rec = s.json(http.MethodPut, "/api/patient/bima", `{"provider":"LIC","policy_no":"42","status":"Pending","valid_till":""}`, tok)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"valid_till":null`) {
		t.Errorf("expected null valid_till, got %s", rec.Body.String())
	}

	rec = s.json(http.MethodPut, "/api/patient/bima", `{"provider":"LIC","policy_no":"42","status":"Lapsed"}`, tok)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad status, got %d", rec.Code)
	}
}

func TestHandler_HealthSnapshotLifecycle(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")

	rec := s.json(http.MethodPost, "/api/patient/health/snapshot", `{"age":"","height_cm":"170","weight_kg":70,"bp_sys":null}`, tok)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Snapshot HealthSnapshot `json:"snapshot"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Snapshot.BMI == nil || *created.Snapshot.BMI != 24.2 || created.Snapshot.Age != nil {
		t.Errorf("unexpected snapshot %+v", created.Snapshot)
	}

	rec = s.json(http.MethodPost, "/api/patient/health/snapshot", `{"age":"thirty"}`, tok)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric age, got %d", rec.Code)
	}
	rec = s.json(http.MethodPost, "/api/patient/health/snapshot", `{}`, tok)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty snapshot, got %d", rec.Code)
	}

	rec = s.json(http.MethodGet, "/api/patient/health/history?limit=abc", "", tok)
	var list struct {
		History []HealthSnapshot `json:"history"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if rec.Code != http.StatusOK || len(list.History) != 1 {
		t.Fatalf("expected one history entry, got %d %s", rec.Code, rec.Body.String())
	}

	bobTok := s.token(t, bob, "patient")
	path := "/api/patient/health/snapshot/1"
	if rec := s.json(http.MethodDelete, path, "", bobTok); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 deleting another patient's snapshot, got %d", rec.Code)
	}
	if rec := s.json(http.MethodDelete, "/api/patient/health/snapshot/abc", "", tok); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
	rec = s.json(http.MethodDelete, path, "", tok)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Errorf("expected ok, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_EmptyHistoryIsArray(t *testing.T) {
	s := newTestServer(t)
	rec := s.json(http.MethodGet, "/api/patient/health/history", "", s.token(t, bob, "patient"))
	if strings.TrimSpace(rec.Body.String()) != `{"history":[]}` {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}
}

func TestHandler_HistoryExplicitZeroLimit(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, alice, "patient")
	for _, body := range []string{`{"age":30}`, `{"age":31}`} {
		if rec := s.json(http.MethodPost, "/api/patient/health/snapshot", body, tok); rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
		}
	}

	for query, want := range map[string]int{"?limit=0": 1, "": 2} {
		rec := s.json(http.MethodGet, "/api/patient/health/history"+query, "", tok)
		var list struct {
			History []HealthSnapshot `json:"history"`
		}
		json.Unmarshal(rec.Body.Bytes(), &list)
		if len(list.History) != want {
			t.Errorf("history%s: expected %d entries, got %d", query, want, len(list.History))
		}
	}
}
