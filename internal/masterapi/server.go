package masterapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/cluster"
	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/imageresolver"
)

// RegisterRoutes wires the control-plane routes onto an existing mux,
// operating on mgr -- the one long-running master process's live
// *cluster.Manager -- rather than a throwaway instance a CLI invocation
// constructed for itself. Meant to be called from the same place
// command/master.go wires up /v1/health and /v1/metrics.
func RegisterRoutes(mux *http.ServeMux, mgr *cluster.Manager, log hclog.Logger) {
	s := &server{mgr: mgr, log: log.Named("masterapi")}
	mux.HandleFunc(AddProcsRoute, s.wrap(s.handleAddProcs))
	mux.HandleFunc(KillRoute, s.wrap(s.handleKill))
}

type server struct {
	mgr *cluster.Manager
	log hclog.Logger
}

// wrap mirrors detachedsvc.Server.wrap: handlers return a response object
// plus an error, translated into JSON or a coded HTTP failure.
func (s *server) wrap(handler func(w http.ResponseWriter, r *http.Request) (interface{}, error)) http.HandlerFunc {
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

func (s *server) handleError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if ce, ok := err.(codedError); ok {
		code = ce.Code()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *server) handleAddProcs(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var req AddProcsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, newCodedError(http.StatusBadRequest, "malformed request body: "+err.Error())
	}

	newCount, err := s.mgr.AddProcs(r.Context(), cluster.AddProcsRequest{
		Key:          req.Key,
		Template:     req.Template,
		NInstances:   req.NInstances,
		PPI:          req.PPI,
		Location:     req.Location,
		SKUName:      req.SKUName,
		SSHUser:      req.SSHUser,
		SSHPublicKey: req.SSHPublicKey,
		Spot:         req.Spot,
		Image:        imageresolver.Inputs{},
		Cookie:       req.Cookie,
		RuntimeExe:   req.RuntimeExe,
		RuntimeFlags: req.RuntimeFlags,
	})
	if err != nil {
		return nil, newCodedError(http.StatusInternalServerError, err.Error())
	}

	return AddProcsResponse{NewCount: newCount}, nil
}

func (s *server) handleKill(w http.ResponseWriter, r *http.Request) (interface{}, error) {
	if r.Method != http.MethodPost {
		return nil, newCodedError(http.StatusMethodNotAllowed, "method not allowed")
	}

	var req KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, newCodedError(http.StatusBadRequest, "malformed request body: "+err.Error())
	}

	errs := map[string]string{}
	for _, id := range req.IDs {
		if err := s.mgr.Kill(r.Context(), distruntime.WorkerID(id)); err != nil {
			errs[id] = err.Error()
		}
	}

	return KillResponse{Errors: errs}, nil
}
