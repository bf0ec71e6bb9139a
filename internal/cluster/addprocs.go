package cluster

import (
	"context"
	"fmt"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/cloudinit"
	"github.com/hashicorp/azmanagers/internal/imageresolver"
	"github.com/hashicorp/azmanagers/internal/jsontree"
	"github.com/hashicorp/azmanagers/internal/metadata"
	"github.com/hashicorp/azmanagers/internal/scaleset"
)

// AddProcsRequest bundles the inputs to AddProcs (spec.md's addprocs
// control flow, §2 "Control flow (add worker path)").
type AddProcsRequest struct {
	Key          azureapi.ScaleSetKey
	Template     jsontree.Tree
	NInstances   int64
	PPI          int
	Location     string
	SKUName      string
	SSHUser      string
	SSHPublicKey string
	Spot         scaleset.SpotConfig
	Image        imageresolver.Inputs
	Cookie       string

	// MPI selects MPI-style worker launch over the default cluster
	// worker launch.
	MPI       bool
	MPISize   int
	RuntimeExe   string
	RuntimeFlags string
	MPIFlags     string

	GitConfig        string
	GitCredentials   string
	TempDiskPreamble string
	CustomEnvironment *cloudinit.CustomEnvironment
}

// AddProcs implements the master-side half of spec.md's "Control flow
// (add worker path)": resolve the image, validate quota, PUT the VMSS
// with capacity = current + NInstances, and record the worker-process
// delta against the scale set's reference count. It does not wait for
// the VMs to boot and register; that happens asynchronously through the
// acceptor/registrar tasks as each worker dials back.
func (m *Manager) AddProcs(ctx context.Context, req AddProcsRequest) (int64, error) {
	if m.cookie == "" {
		m.cookie = req.Cookie
	}

	md := metadata.NewClient()
	if err := imageresolver.Resolve(ctx, md, req.Template, req.Image, true); err != nil {
		return 0, fmt.Errorf("cluster: resolving image: %w", err)
	}

	mode := cloudinit.LaunchClusterWorker
	if req.MPI {
		mode = cloudinit.LaunchMPIWorker
	}

	render := func(computerNamePrefix string) (string, error) {
		script, err := cloudinit.Build(cloudinit.Config{
			SSHUser:           req.SSHUser,
			TempDiskPreamble:  req.TempDiskPreamble,
			GitConfig:         req.GitConfig,
			GitCredentials:    req.GitCredentials,
			CustomEnvironment: req.CustomEnvironment,
			Mode:              mode,
			Worker: cloudinit.WorkerLaunch{
				Cookie:       req.Cookie,
				MasterAddr:   m.listenAddr,
				MasterPort:   m.listenPort,
				PPI:          req.PPI,
				RuntimeExe:   req.RuntimeExe,
				RuntimeFlags: req.RuntimeFlags,
				MPIRanks:     req.MPISize,
				MPIFlags:     req.MPIFlags,
			},
		})
		if err != nil {
			return "", err
		}
		return cloudinit.Base64(script), nil
	}

	newVMCount, err := m.reconciler.CreateOrUpdate(ctx, req.Key, req.NInstances, req.Template, scaleset.Options{
		Location:        req.Location,
		SKUName:         req.SKUName,
		SSHUser:         req.SSHUser,
		SSHPublicKey:    req.SSHPublicKey,
		Spot:            req.Spot,
		RenderCloudInit: render,
	})
	if err != nil {
		return 0, err
	}

	processDelta := req.NInstances * int64(req.PPI)
	m.AddRef(req.Key, processDelta)

	m.log.Info("scale set grown", "scaleset", req.Key, "vm_count", newVMCount, "process_delta", processDelta)
	return newVMCount, nil
}
