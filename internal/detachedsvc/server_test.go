package detachedsvc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

func newTestServer(t *testing.T) (*Server, *Registry) {
	t.Helper()
	registry := NewRegistry(t.TempDir())
	srv, err := New("127.0.0.1:0", registry, Identity{Name: "vm1", IP: "10.0.0.4"}, hclog.NewNullLogger())
	must.NoError(t, err)
	t.Cleanup(func() { _ = srv.ln.Close() })
	return srv, registry
}

func TestHandleRun_MissingCode(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, runRoutePattern, strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusBadRequest, w.Code)
}

func TestHandleRun_AndWait(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"code": "echo hello", "persist": true}`
	req := httptest.NewRequest(http.MethodPost, runRoutePattern, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	must.Eq(t, http.StatusOK, w.Code)

	var run runResponse
	must.NoError(t, json.NewDecoder(w.Body).Decode(&run))
	must.NotEq(t, "", run.ID)

	waitReq := httptest.NewRequest(http.MethodPost, jobRoutePrefix+run.ID+"/wait", nil)
	waitW := httptest.NewRecorder()
	srv.mux.ServeHTTP(waitW, waitReq)
	must.Eq(t, http.StatusOK, waitW.Code)

	stdoutReq := httptest.NewRequest(http.MethodGet, jobRoutePrefix+run.ID+"/stdout", nil)
	stdoutW := httptest.NewRecorder()
	srv.mux.ServeHTTP(stdoutW, stdoutReq)
	must.Eq(t, http.StatusOK, stdoutW.Code)
	must.Eq(t, "hello\n", stdoutW.Body.String())
}

func TestHandleJob_UnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, jobRoutePrefix+"999/status", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusNotFound, w.Code)
}

func TestHandlePing(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, pingRoutePattern, nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusOK, w.Code)
	must.Eq(t, "OK", w.Body.String())
}

func TestHandleVM(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, vmRoutePattern, nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	must.Eq(t, http.StatusOK, w.Code)

	var id Identity
	must.NoError(t, json.NewDecoder(w.Body).Decode(&id))
	must.Eq(t, "vm1", id.Name)
}
