// Package cloudinit assembles the shell script injected as a VM's
// customData at first boot (spec.md §4.5). The script seeds the worker
// user's credentials, optionally builds a custom package environment, and
// finally launches either a cluster worker, an MPI worker, or the
// detached-job HTTP service.
package cloudinit

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// LaunchMode selects which of the three launch shapes spec.md §4.5 step 5
// describes the script ends with.
type LaunchMode int

const (
	// LaunchClusterWorker runs a single worker process that dials back to
	// the master (spec.md §4.5 step 5, MPI=0 case).
	LaunchClusterWorker LaunchMode = iota
	// LaunchMPIWorker runs the worker under mpirun (MPI>0 case).
	LaunchMPIWorker
	// LaunchDetachedServer generates an SSH keypair and starts the
	// detached-job HTTP service bound to port 8081.
	LaunchDetachedServer
)

// WorkerLaunch carries the parameters needed to start a cluster or MPI
// worker process. Cookie, MasterAddr, and MasterPort authenticate and
// locate the master per the worker handshake wire format (spec.md §6).
type WorkerLaunch struct {
	Cookie     string
	MasterAddr string
	MasterPort int
	PPI        int

	// RuntimeExe and RuntimeFlags name the worker process binary and its
	// flags. The distributed-compute runtime itself is an out-of-scope
	// collaborator (spec.md §1); cloud-init only needs to know how to
	// exec it.
	RuntimeExe   string
	RuntimeFlags string

	// MPIRanks and MPIFlags are only used when Mode == LaunchMPIWorker.
	MPIRanks int
	MPIFlags string
}

// DetachedLaunch carries the parameters for starting the detached-job
// HTTP service.
type DetachedLaunch struct {
	Port           int
	DetachedAgentExe string
}

// CustomEnvironment describes a non-default-branch package environment
// that should be cloned/fetched/checked-out and instantiated on the
// worker before it launches (spec.md §4.5 step 4).
type CustomEnvironment struct {
	RepoURL string
	Branch  string
	// InstantiateCmd is the command used to fetch dependencies and
	// precompile the environment once checked out.
	InstantiateCmd string
}

// Config is everything the builder needs to assemble one script.
type Config struct {
	// SSHUser is the account the worker processes and the cloned
	// environment run as.
	SSHUser string

	// TempDiskPreamble is the template-provided mkfs/mount block
	// (spec.md §4.5 step 1), verbatim.
	TempDiskPreamble string

	// GitConfig and GitCredentials are the verbatim contents of the
	// master's ~/.gitconfig and ~/.git-credentials, when present
	// (spec.md §4.5 steps 2-3). Empty means "file did not exist on the
	// master".
	GitConfig       string
	GitCredentials  string

	CustomEnvironment *CustomEnvironment

	Mode           LaunchMode
	Worker         WorkerLaunch
	Detached       DetachedLaunch

	ThreadEnvVars map[string]string
}

// Build renders the full script described by cfg, in the order spec.md
// §4.5 specifies.
func Build(cfg Config) (string, error) {
	var b strings.Builder

	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -euo pipefail\n\n")

	if cfg.TempDiskPreamble != "" {
		b.WriteString("# temp disk preamble\n")
		b.WriteString(cfg.TempDiskPreamble)
		b.WriteString("\n\n")
	}

	if cfg.GitConfig != "" {
		fmt.Fprintf(&b, "su - %s <<'GITCONFIG_EOF'\ncat > ~/.gitconfig <<'EOF'\n%s\nEOF\nGITCONFIG_EOF\n\n",
			cfg.SSHUser, cfg.GitConfig)
	}

	if cfg.GitCredentials != "" {
		fmt.Fprintf(&b, "su - %s <<'GITCRED_EOF'\ncat > ~/.git-credentials <<'EOF'\n%s\nEOF\nchmod 0600 ~/.git-credentials\nGITCRED_EOF\n\n",
			cfg.SSHUser, cfg.GitCredentials)
	}

	if cfg.CustomEnvironment != nil {
		env := cfg.CustomEnvironment
		fmt.Fprintf(&b, "su - %s <<'ENV_EOF'\n", cfg.SSHUser)
		fmt.Fprintf(&b, "if [ -d \"$HOME/environment/.git\" ]; then\n")
		fmt.Fprintf(&b, "  git -C \"$HOME/environment\" fetch origin %s\n", env.Branch)
		fmt.Fprintf(&b, "  git -C \"$HOME/environment\" checkout %s\n", env.Branch)
		fmt.Fprintf(&b, "else\n")
		fmt.Fprintf(&b, "  git clone --branch %s %s \"$HOME/environment\"\n", env.Branch, env.RepoURL)
		fmt.Fprintf(&b, "fi\n")
		if env.InstantiateCmd != "" {
			fmt.Fprintf(&b, "%s\n", env.InstantiateCmd)
		}
		fmt.Fprintf(&b, "touch /tmp/julia_instantiate_done\n")
		fmt.Fprintf(&b, "ENV_EOF\n\n")
	}

	b.WriteString("su - ")
	b.WriteString(cfg.SSHUser)
	b.WriteString(" <<'LAUNCH_EOF'\n")
	for k, v := range cfg.ThreadEnvVars {
		fmt.Fprintf(&b, "export %s=%s\n", k, v)
	}

	switch cfg.Mode {
	case LaunchClusterWorker:
		w := cfg.Worker
		fmt.Fprintf(&b, "%s %s -e 'azure_worker(%q, %q, %d, %d)'\n",
			w.RuntimeExe, w.RuntimeFlags, w.Cookie, w.MasterAddr, w.MasterPort, w.PPI)

	case LaunchMPIWorker:
		w := cfg.Worker
		fmt.Fprintf(&b, "mpirun -n %d %s %s %s -e 'azure_worker_mpi(%q, %q, %d, %d)'\n",
			w.MPIRanks, w.MPIFlags, w.RuntimeExe, w.RuntimeFlags, w.Cookie, w.MasterAddr, w.MasterPort, w.PPI)

	case LaunchDetachedServer:
		b.WriteString("ssh-keygen -t ed25519 -N '' -f ~/.ssh/id_ed25519 <<< y >/dev/null 2>&1 || true\n")
		fmt.Fprintf(&b, "%s -bind 0.0.0.0:%s &\n", cfg.Detached.DetachedAgentExe, strconv.Itoa(cfg.Detached.Port))

	default:
		return "", fmt.Errorf("cloudinit: unknown launch mode %v", cfg.Mode)
	}

	b.WriteString("LAUNCH_EOF\n")

	return b.String(), nil
}

// Base64 encodes the script for use as a VM's customData field
// (spec.md §4.5: "the whole script is base64-encoded into the VM's
// customData").
func Base64(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}
