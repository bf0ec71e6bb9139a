// Package detachedsvc implements the detached-job HTTP service from
// spec.md §4.8: it accepts code payloads, executes them under redirected
// I/O, and exposes status/stdout/stderr/wait endpoints.
//
// The distilled spec's origin (a Julia `@async`/eval model) is re-expressed
// per the design note in spec.md §9: the caller supplies code as a string
// over the `{code: string}` wire contract, and this service executes it as
// a shell script under redirected I/O rather than evaluating it in-process
// -- the same "exec a script, capture stdout/stderr to files" shape as the
// teacher's plugin launcher (helper/plugins), generalized from launching a
// known plugin binary to running arbitrary submitted code.
package detachedsvc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state reported by GET .../status (spec.md §4.8).
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// Job is the server-side DetachedJob from spec.md §3.
type Job struct {
	ID         int
	Code       string
	CodePath   string
	StdoutPath string
	StderrPath string

	mu      sync.Mutex
	status  Status
	err     error
	done    chan struct{}
	cancel  context.CancelFunc
}

func (j *Job) setStatus(s Status, err error) {
	j.mu.Lock()
	j.status = s
	j.err = err
	j.mu.Unlock()
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns the execution error, if the job failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Wait blocks until the job finishes.
func (j *Job) Wait() {
	<-j.done
}

// Registry is the in-memory job registry, process lifetime only
// (spec.md §3: "Lifetime = process lifetime of the detached server").
type Registry struct {
	dir     string
	counter int64

	mu   sync.Mutex
	jobs map[string]*Job

	// variableBundle is the process-wide mapping keyed by symbol
	// populated from a submitted variablebundle (spec.md §4.8 step 4).
	variableBundle map[string]any

	// Interpreter is the command used to run submitted code, defaulting
	// to bash. Runnable as `Interpreter codePath`.
	Interpreter string

	// OnJobDone is invoked (if set) after a job finishes, with whether
	// persist was requested. Used to wire VM self-termination
	// (spec.md §4.8 step 6).
	OnJobDone func(persist bool)
}

// NewRegistry creates a registry rooted at dir for job output files.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:            dir,
		jobs:           map[string]*Job{},
		variableBundle: map[string]any{},
		Interpreter:    "/bin/bash",
	}
}

// stripBeginEnd implements spec.md §4.8 step 3: "If the first non-empty
// line is 'begin', strip leading 'begin' and the trailing matching 'end'
// before execution."
func stripBeginEnd(code string) string {
	lines := strings.Split(code, "\n")
	firstNonEmpty := -1
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			firstNonEmpty = i
			break
		}
	}
	if firstNonEmpty == -1 || strings.TrimSpace(lines[firstNonEmpty]) != "begin" {
		return code
	}

	lastNonEmpty := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			lastNonEmpty = i
			break
		}
	}
	if lastNonEmpty <= firstNonEmpty || strings.TrimSpace(lines[lastNonEmpty]) != "end" {
		return code
	}

	return strings.Join(lines[firstNonEmpty+1:lastNonEmpty], "\n")
}

// Submit implements spec.md §4.8's /run behavior (steps 2-7 minus HTTP
// framing, which lives in server.go).
func (r *Registry) Submit(code string, persist bool, variableBundle map[string]any) (*Job, error) {
	id := atomic.AddInt64(&r.counter, 1)
	idStr := strconv.FormatInt(id, 10)

	execCode := stripBeginEnd(code)

	codePath := filepath.Join(r.dir, fmt.Sprintf("job-%s.code", idStr))
	stdoutPath := filepath.Join(r.dir, fmt.Sprintf("job-%s.out", idStr))
	stderrPath := filepath.Join(r.dir, fmt.Sprintf("job-%s.err", idStr))

	// Round-trip invariant (spec.md §8): the code written to disk is
	// byte-for-byte what gets executed.
	if err := os.WriteFile(codePath, []byte(execCode), 0o600); err != nil {
		return nil, fmt.Errorf("detachedsvc: writing code file: %w", err)
	}

	if len(variableBundle) > 0 {
		r.mu.Lock()
		for k, v := range variableBundle {
			r.variableBundle[k] = v
		}
		r.mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:         int(id),
		Code:       execCode,
		CodePath:   codePath,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		status:     StatusStarting,
		done:       make(chan struct{}),
		cancel:     cancel,
	}

	r.mu.Lock()
	r.jobs[idStr] = job
	r.mu.Unlock()

	go r.run(ctx, job, persist)

	return job, nil
}

func (r *Registry) run(ctx context.Context, job *Job, persist bool) {
	job.setStatus(StatusRunning, nil)

	outFile, err := os.Create(job.StdoutPath)
	if err != nil {
		job.setStatus(StatusFailed, err)
		close(job.done)
		return
	}
	defer outFile.Close()

	errFile, err := os.Create(job.StderrPath)
	if err != nil {
		job.setStatus(StatusFailed, err)
		close(job.done)
		return
	}
	defer errFile.Close()

	cmd := exec.CommandContext(ctx, r.Interpreter, job.CodePath)
	cmd.Stdout = outFile
	cmd.Stderr = errFile

	runErr := cmd.Run()
	if runErr != nil {
		// Append the formatted error with the numbered code listing to
		// stderr, then surface it (spec.md §4.8 step 5).
		fmt.Fprintf(errFile, "\n--- execution failed: %v ---\n%s\n", runErr, numberedListing(job.Code))
		job.setStatus(StatusFailed, runErr)
	} else {
		job.setStatus(StatusDone, nil)
	}

	close(job.done)

	if !persist {
		// Step 6: asynchronously wait the task then delete this VM.
		go func() {
			job.Wait()
			if r.OnJobDone != nil {
				r.OnJobDone(persist)
			}
		}()
	} else if r.OnJobDone != nil {
		go func() {
			job.Wait()
			r.OnJobDone(persist)
		}()
	}
}

// numberedListing renders code with 1-indexed line numbers, used in
// /wait's failure payload and in the stderr error append (spec.md §4.8,
// §7: "the numbered code listing that caused the failure").
func numberedListing(code string) string {
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%4d| %s\n", i+1, l)
	}
	return b.String()
}

// Get returns the job registered under id.
func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}
