// Package masterapi is the control-plane HTTP API the long-running master
// process exposes over its health/metrics mux so that one-shot CLI
// invocations (addprocs, rmprocs) can act on the one live *cluster.Manager
// instead of reconstructing cluster state of their own. Grounded on the
// existing detachedsvc/detachedclient server+client split in this repo:
// same wrap()/codedError pattern server-side, same JSON-over-http.Client
// pattern client-side.
package masterapi

import (
	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/scaleset"
)

const (
	AddProcsRoute = "/v1/addprocs"
	KillRoute     = "/v1/kill"
)

// AddProcsRequest is the wire form of cluster.AddProcsRequest. Template
// travels as a bare JSON value (decodes to the same map[string]any/[]any
// shape jsontree.Tree expects) rather than a typed ARM schema, for the same
// reason jsontree exists at all: the template is a user-authored document
// this package does not fully model.
type AddProcsRequest struct {
	Key          azureapi.ScaleSetKey `json:"key"`
	Template     any                  `json:"template"`
	NInstances   int64                `json:"ninstances"`
	PPI          int                  `json:"ppi"`
	Location     string               `json:"location"`
	SKUName      string               `json:"skuname"`
	SSHUser      string               `json:"sshuser"`
	SSHPublicKey string               `json:"sshpublickey"`
	Spot         scaleset.SpotConfig  `json:"spot"`
	Cookie       string               `json:"cookie"`
	RuntimeExe   string               `json:"runtimeexe"`
	RuntimeFlags string               `json:"runtimeflags"`
}

// AddProcsResponse mirrors cluster.Manager.AddProcs's return value.
type AddProcsResponse struct {
	NewCount int64 `json:"newcount"`
}

// KillRequest carries the worker IDs rmprocs wants removed.
type KillRequest struct {
	IDs []string `json:"ids"`
}

// KillResponse reports per-ID failures; an ID absent from Errors succeeded.
type KillResponse struct {
	Errors map[string]string `json:"errors,omitempty"`
}
