package masterapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/azmanagers/internal/cluster"
	"github.com/hashicorp/azmanagers/internal/distruntime"
)

func newTestMux(t *testing.T) (*http.ServeMux, *distruntime.FakeRuntime) {
	t.Helper()
	rt := distruntime.NewFakeRuntime()
	mgr := cluster.New(rt, hclog.NewNullLogger())

	mux := http.NewServeMux()
	RegisterRoutes(mux, mgr, hclog.NewNullLogger())
	return mux, rt
}

func TestHandleAddProcs_MalformedBody(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, AddProcsRoute, strings.NewReader("not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusBadRequest, w.Code)
}

func TestHandleAddProcs_WrongMethod(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, AddProcsRoute, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleKill_UnknownWorkerSucceeds(t *testing.T) {
	mux, _ := newTestMux(t)

	body := `{"ids": ["worker-missing"]}`
	req := httptest.NewRequest(http.MethodPost, KillRoute, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusOK, w.Code)

	var resp KillResponse
	must.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	must.Eq(t, 0, len(resp.Errors))
}

func TestHandleKill_RegisteredWorkerWithoutUserData(t *testing.T) {
	mux, rt := newTestMux(t)

	id, err := rt.AddWorker(context.Background(), distruntime.WorkerConfig{})
	must.NoError(t, err)

	body := `{"ids": ["` + string(id) + `"]}`
	req := httptest.NewRequest(http.MethodPost, KillRoute, strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusOK, w.Code)

	var resp KillResponse
	must.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	must.Eq(t, 0, len(resp.Errors))

	killed := rt.Killed()
	must.Eq(t, 1, len(killed))
	must.Eq(t, id, killed[0])
}

func TestHandleKill_MalformedBody(t *testing.T) {
	mux, _ := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, KillRoute, strings.NewReader("not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusBadRequest, w.Code)
}
