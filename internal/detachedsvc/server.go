package detachedsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

const (
	runRoutePattern  = "/cofii/detached/run"
	jobRoutePrefix   = "/cofii/detached/job/"
	pingRoutePattern = "/cofii/detached/ping"
	vmRoutePattern   = "/cofii/detached/vm"

	healthAlivenessReady = iota
	healthAlivenessUnavailable
)

// Identity is the DetachedVM server-side singleton from spec.md §3: the
// identity of the VM hosting the service, returned from GET .../vm so
// clients reconnecting by IP can recover the full identity.
type Identity struct {
	Name           string `json:"name"`
	IP             string `json:"ip"`
	SubscriptionID string `json:"subscriptionid"`
	ResourceGroup  string `json:"resourcegroup"`
}

// Server is the detached-job HTTP service from spec.md §4.8, grounded on
// the teacher's agent/http.Server: a plain ServeMux, a wrap() helper that
// turns handler errors into coded HTTP responses, and a graceful Shutdown.
type Server struct {
	log hclog.Logger
	ln  net.Listener
	mux *http.ServeMux
	srv *http.Server

	registry *Registry
	identity Identity

	aliveness int32

	// OnTerminate is invoked when a non-persistent job finishes, so the
	// cmd/azmanagers-detached entrypoint can self-delete the VM
	// (spec.md §4.8 step 6). Left nil in tests.
	OnTerminate func()
}

// New builds the detached-job HTTP server bound to addr (normally
// ":8081", per spec.md §4.8: "Port 8081, all endpoints under
// /cofii/detached/").
func New(addr string, registry *Registry, identity Identity, log hclog.Logger) (*Server, error) {
	s := &Server{
		log:      log.Named("detached_http"),
		mux:      http.NewServeMux(),
		registry: registry,
		identity: identity,
	}

	s.mux.HandleFunc(runRoutePattern, s.wrap(s.handleRun))
	s.mux.HandleFunc(jobRoutePrefix, s.wrap(s.handleJob))
	s.mux.HandleFunc(pingRoutePattern, s.wrap(s.handlePing))
	s.mux.HandleFunc(vmRoutePattern, s.wrap(s.handleVM))

	registry.OnJobDone = func(persist bool) {
		if !persist && s.OnTerminate != nil {
			s.OnTerminate()
		}
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // /wait may legitimately block for a long time
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("detachedsvc: listen: %w", err)
	}
	s.ln = ln

	return s, nil
}

// Start serves the HTTP listener, blocking until Shutdown is called. Meant
// to run in its own goroutine.
func (s *Server) Start() {
	s.log.Info("detached service listening", "addr", s.srv.Addr)
	atomic.StoreInt32(&s.aliveness, healthAlivenessReady)

	if err := s.srv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
		atomic.StoreInt32(&s.aliveness, healthAlivenessUnavailable)
		s.log.Error("detached service stopped serving", "error", err)
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.aliveness, healthAlivenessUnavailable)
	s.srv.SetKeepAlivesEnabled(false)
	return s.srv.Shutdown(ctx)
}

// wrap mirrors the teacher's agent/http wrap(): handlers return a response
// object plus an error, and this translates that into the JSON response or
// the coded HTTP failure.
func (s *Server) wrap(handler func(w http.ResponseWriter, r *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			s.log.Trace("request complete", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
		}()

		obj, err := handler(w, r)
		if err != nil {
			s.handleError(w, err)
			return
		}
		if obj == nil {
			return
		}

		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(obj); err != nil {
			s.handleError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(buf.Bytes())
	}
}

// handleError implements spec.md §7: "Detached service errors: return 4xx
// for client errors (missing id, malformed body), 5xx for server
// exceptions, with a JSON body carrying `error` text ..."
func (s *Server) handleError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if ce, ok := err.(codedError); ok {
		code = ce.Code()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

type runRequest struct {
	Code           string         `json:"code"`
	Persist        bool           `json:"persist"`
	VariableBundle map[string]any `json:"variablebundle"`
}

type runResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, newCodedError(http.StatusBadRequest, "malformed request body: "+err.Error())
	}
	if strings.TrimSpace(req.Code) == "" {
		return nil, newCodedError(http.StatusBadRequest, "code must not be empty")
	}

	job, err := s.registry.Submit(req.Code, req.Persist, req.VariableBundle)
	if err != nil {
		return nil, newCodedError(http.StatusInternalServerError, err.Error())
	}

	return runResponse{ID: fmt.Sprintf("%d", job.ID)}, nil
}

// handleJob dispatches the /job/{id}/{wait,status,stdout,stderr} family.
// Path parsing follows the teacher's agent/http/agent.go idiom of manual
// TrimPrefix/split over r.URL.Path rather than a router dependency.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	rest := strings.TrimPrefix(r.URL.Path, jobRoutePrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, newCodedError(http.StatusBadRequest, "malformed job path")
	}
	id, action := parts[0], parts[1]

	job, ok := s.registry.Get(id)
	if !ok {
		return nil, newCodedError(http.StatusNotFound, "no such job: "+id)
	}

	switch action {
	case "wait":
		return s.handleWait(w, r, job)
	case "status":
		return map[string]string{"status": string(job.Status())}, nil
	case "stdout":
		return nil, s.streamFile(w, job.StdoutPath)
	case "stderr":
		return nil, s.streamFile(w, job.StderrPath)
	default:
		return nil, newCodedError(http.StatusNotFound, "unknown job action: "+action)
	}
}

// handleWait implements spec.md §4.8: "Block until job finishes; 200 OK or
// 400 with error+code listing."
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request, job *Job) (interface{}, error) {
	select {
	case <-waitDone(job):
	case <-r.Context().Done():
		return nil, newCodedError(http.StatusRequestTimeout, "client disconnected while waiting")
	}

	if job.Status() == StatusFailed {
		return nil, newCodedError(http.StatusBadRequest, fmt.Sprintf("job failed: %v\n\n%s", job.Err(), numberedListing(job.Code)))
	}
	return map[string]string{"status": string(job.Status())}, nil
}

func waitDone(job *Job) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		job.Wait()
		close(ch)
	}()
	return ch
}

func (s *Server) streamFile(w http.ResponseWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newCodedError(http.StatusNotFound, "output not available: "+err.Error())
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, f); err != nil {
		s.log.Warn("error streaming job output", "error", err)
	}
	return nil
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
	return nil, nil
}

func (s *Server) handleVM(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return s.identity, nil
}
