package command

import (
	"context"
	"flag"
	"fmt"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	flaghelper "github.com/hashicorp/azmanagers/helper/flag"
	"github.com/hashicorp/azmanagers/internal/masterapi"
)

// RmProcsCommand tears down worker processes via the running master's
// masterapi.Client.Kill, which runs the kill protocol (spec.md §4.7
// "Kill") against the master's own worker registry -- the one the
// workers actually registered against, not a throwaway registry this
// one-shot command would otherwise start empty.
type RmProcsCommand struct {
	Ctx context.Context
}

func (c *RmProcsCommand) Help() string {
	helpText := `
Usage: azmanagers rmprocs -id=<worker-id> [-id=<worker-id> ...]

  Removes one or more worker processes: sends the exit RPC, then -- once
  the owning scale set's reference count allows it -- deletes the backing
  VM instance.

Options:

  -id=<worker-id>   Worker ID to remove. May be repeated.
  -master-addr=<host:port>
    Address of the running "azmanagers master" process's control-plane
    API. Defaults to 127.0.0.1:8080.
`
	return strings.TrimSpace(helpText)
}

func (c *RmProcsCommand) Synopsis() string {
	return "Removes worker processes and reclaims their VMs"
}

func (c *RmProcsCommand) Run(args []string) int {
	var ids flaghelper.StringFlag
	masterAddr := "127.0.0.1:8080"

	flags := flag.NewFlagSet("rmprocs", flag.ContinueOnError)
	flags.Usage = func() { fmt.Println(c.Help()) }
	flags.Var(&ids, "id", "")
	flags.StringVar(&masterAddr, "master-addr", masterAddr, "")

	if err := flags.Parse(args); err != nil {
		fmt.Printf("Error parsing command arguments: %v\n", err)
		return 1
	}
	if len(ids) == 0 {
		fmt.Println("at least one -id is required")
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "rmprocs", Level: hclog.Info})

	ctx := context.Background()
	if c.Ctx != nil {
		ctx = c.Ctx
	}

	client := masterapi.NewClient(masterAddr)
	errs, err := client.Kill(ctx, []string(ids))
	if err != nil {
		logger.Error("rmprocs failed", "error", err)
		return 1
	}

	var result *multierror.Error
	for _, id := range ids {
		if msg, failed := errs[id]; failed {
			logger.Error("failed to remove worker", "id", id, "error", msg)
			result = multierror.Append(result, fmt.Errorf("worker %s: %s", id, msg))
			continue
		}
		fmt.Printf("worker %s removal initiated\n", id)
	}
	if result != nil {
		fmt.Println(result.Error())
		return 1
	}
	return 0
}
