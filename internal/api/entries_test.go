package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/memex/internal/archive"
	"github.com/kalambet/memex/internal/entry"
	"github.com/kalambet/memex/internal/mirror"
	"github.com/kalambet/memex/internal/repair"
	"github.com/kalambet/memex/internal/storage"
)

const testToken = "test-token-12345"

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	mirror  *mirror.MemoryStore
	svc     *entry.Service
}

func setupAppHandler(t *testing.T, token string) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	m := mirror.NewMemoryStore()
	queue := repair.NewQueue(store)
	svc := entry.New(entry.Deps{Primary: store, Mirror: m, Repairs: queue})
	arch := archive.New(svc, svc, archive.Options{Interval: time.Hour})

	return &testEnv{
		handler: NewAppHandler(AppDeps{Service: svc, Archiver: arch, Repairs: queue, Token: token}),
		store:   store,
		mirror:  m,
		svc:     svc,
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody[map[string]map[string]string](t, rr)
	return body["error"]["type"]
}

func TestCapture_Checklist(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodPost, "/entries", `{"text":"milk, eggs, bread"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	e := decodeBody[entry.Entry](t, rr)
	if e.Type != entry.TypeChecklist {
		t.Errorf("Type = %q, want checklist", e.Type)
	}
	if len(e.Items) != 3 || e.Items[0].Label != "milk" {
		t.Errorf("Items = %+v", e.Items)
	}

	stored, err := env.store.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if !stored.Equal(e) {
		t.Errorf("stored %+v, want %+v", stored, e)
	}
	if _, ok, _ := env.mirror.Get(context.Background(), entry.MirrorKey(e.ID)); !ok {
		t.Error("entry missing from mirror")
	}
}

func TestCapture_Validation(t *testing.T) {
	env := setupAppHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{"text":"   "}`},
		{"missing", `{}`},
		{"too long", fmt.Sprintf(`{"text":%q}`, strings.Repeat("a", entry.MaxTextLength+1))},
		{"malformed", `{"text":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/entries", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusBadRequest, rr.Body.String())
			}
			if got := errorType(t, rr); got != "invalid_request_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}
}

func TestListEntries(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := env.do(t, http.MethodGet, "/entries", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty list body = %q, want []", rr.Body.String())
	}

	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		rr := env.do(t, http.MethodPost, "/entries", fmt.Sprintf(`{"text":%q}`, text))
		ids = append(ids, decodeBody[entry.Entry](t, rr).ID)
		time.Sleep(2 * time.Millisecond)
	}
	env.do(t, http.MethodPost, "/entries/"+ids[1]+"/archive", "")

	list := decodeBody[[]entry.Entry](t, env.do(t, http.MethodGet, "/entries", ""))
	if len(list) != 2 {
		t.Fatalf("got %d entries, want 2", len(list))
	}
	if list[0].ID != ids[2] || list[1].ID != ids[0] {
		t.Errorf("order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, ids[2], ids[0])
	}
}

func TestGetEntry(t *testing.T) {
	env := setupAppHandler(t, testToken)
	created := decodeBody[entry.Entry](t, env.do(t, http.MethodPost, "/entries", `{"text":"hello"}`))

	rr := env.do(t, http.MethodGet, "/entries/"+created.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := decodeBody[entry.Entry](t, rr); !got.Equal(created) {
		t.Errorf("got %+v, want %+v", got, created)
	}

	rr = env.do(t, http.MethodGet, "/entries/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if got := errorType(t, rr); got != "not_found" {
		t.Errorf("error type = %q", got)
	}
}

func TestPatchEntry(t *testing.T) {
	env := setupAppHandler(t, testToken)
	created := decodeBody[entry.Entry](t, env.do(t, http.MethodPost, "/entries", `{"text":"draft"}`))

	rr := env.do(t, http.MethodPatch, "/entries/"+created.ID, `{"rawText":"final","archived":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[entry.Entry](t, rr)
	if got.RawText != "final" || !got.Archived {
		t.Errorf("patched entry = %+v", got)
	}
	if got.LastAccessedAt < created.LastAccessedAt {
		t.Errorf("LastAccessedAt went backwards")
	}

	if rr := env.do(t, http.MethodPatch, "/entries/"+created.ID, `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty patch status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodPatch, "/entries/"+created.ID, `{"type":"poem"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodPatch, "/entries/missing", `{"archived":true}`); rr.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rr.Code)
	}
}

func TestToggleTypeAndItem(t *testing.T) {
	env := setupAppHandler(t, testToken)
	created := decodeBody[entry.Entry](t, env.do(t, http.MethodPost, "/entries", `{"text":"- a\n- b"}`))

	rr := env.do(t, http.MethodPost, "/entries/"+created.ID+"/items/1/toggle", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[entry.Entry](t, rr)
	if got.Items[0].Checked || !got.Items[1].Checked {
		t.Errorf("items after toggle = %+v", got.Items)
	}

	// Out of range is a no-op, not an error.
	rr = env.do(t, http.MethodPost, "/entries/"+created.ID+"/items/9/toggle", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("out of range status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/entries/"+created.ID+"/items/x/toggle", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("non-integer index status = %d, want 400", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/entries/"+created.ID+"/toggle-type", "")
	note := decodeBody[entry.Entry](t, rr)
	if note.Type != entry.TypeNote || note.Items != nil {
		t.Errorf("after toggle-type: %+v", note)
	}
	rr = env.do(t, http.MethodPost, "/entries/"+created.ID+"/toggle-type", "")
	list := decodeBody[entry.Entry](t, rr)
	if list.Type != entry.TypeChecklist || len(list.Items) != 2 || list.Items[1].Checked {
		t.Errorf("after second toggle-type: %+v", list)
	}
}

func TestMaintenance(t *testing.T) {
	env := setupAppHandler(t, testToken)
	env.do(t, http.MethodPost, "/entries", `{"text":"one"}`)

	status := decodeBody[StatusResponse](t, env.do(t, http.MethodGet, "/maintenance/status", ""))
	if status.LastSweep != nil {
		t.Errorf("LastSweep = %v before any sweep", status.LastSweep)
	}
	if !status.Health.Open || status.Health.Entries != 1 {
		t.Errorf("Health = %+v", status.Health)
	}

	rr := env.do(t, http.MethodPost, "/maintenance/sweep", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sweep status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if res := decodeBody[entry.SweepResult](t, rr); res.Primary != 0 {
		t.Errorf("fresh entry archived: %+v", res)
	}

	status = decodeBody[StatusResponse](t, env.do(t, http.MethodGet, "/maintenance/status", ""))
	if status.LastSweep == nil {
		t.Error("LastSweep not recorded")
	}

	rr = env.do(t, http.MethodPost, "/maintenance/reconcile", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d", rr.Code)
	}
	if res := decodeBody[entry.ReconcileResult](t, rr); res != (entry.ReconcileResult{}) {
		t.Errorf("stores already in sync, got %+v", res)
	}
}

func TestHealth(t *testing.T) {
	env := setupAppHandler(t, testToken)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["status"] != "ok" || body["open"] != true {
		t.Errorf("health body = %v", body)
	}

	env.store.Close()
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	env := setupAppHandler(t, testToken)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/entries", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}

	open := setupAppHandler(t, "")
	rr := httptest.NewRecorder()
	open.handler.ServeHTTP(rr, authReq(http.MethodGet, "/entries", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("no token configured: status = %d, want 200", rr.Code)
	}
}

func TestListEntries_FallsBackToMirror(t *testing.T) {
	env := setupAppHandler(t, testToken)
	created := decodeBody[entry.Entry](t, env.do(t, http.MethodPost, "/entries", `{"text":"survives"}`))

	env.store.Close()

	rr := env.do(t, http.MethodGet, "/entries", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	list := decodeBody[[]entry.Entry](t, rr)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("mirror fallback returned %+v", list)
	}
}
