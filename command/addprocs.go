package command

import (
	"context"
	"flag"
	"fmt"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/manifest"
	"github.com/hashicorp/azmanagers/internal/masterapi"
	"github.com/hashicorp/azmanagers/internal/scaleset"
	"github.com/hashicorp/azmanagers/internal/templates"
)

// AddProcsCommand is the CLI surface over the running master's
// masterapi.Client.AddProcs: grow (or create) a scale set by a number of
// worker processes (spec.md §2, §4.6). It is a short-lived client of the
// one long-running `master` process, not a second cluster-manager instance
// of its own -- the master is what holds the worker dial-back listener
// cloud-init needs to bake in.
type AddProcsCommand struct {
	Ctx context.Context
}

func (c *AddProcsCommand) Help() string {
	helpText := `
Usage: azmanagers addprocs [options]

  Grows (creating if necessary) a VM scale set and registers its worker
  processes with the cluster manager.

Options:

  -master-addr=<host:port>
    Address of the running "azmanagers master" process's control-plane
    API. Defaults to 127.0.0.1:8080.

  -template=<name>       Scale-set template name from templates_scaleset.json.
  -scaleset=<name>       Scale-set resource name.
  -resource-group=<name> Overrides the manifest's resourcegroup.
  -subscription=<id>     Overrides the manifest's subscriptionid.
  -location=<name>       Azure region, e.g. "eastus".
  -sku=<name>            VM size, e.g. "Standard_D4s_v3".
  -n=<count>             Number of VM instances to add.
  -ppi=<count>           Worker processes per instance. Defaults to 1.
  -spot                  Request spot/low-priority capacity.
  -spot-max-price=<f>    Max spot price; -1 means market price.
  -cookie=<cookie>       Shared worker-handshake secret.
  -runtime-exe=<path>    Worker runtime executable.
  -runtime-flags=<flags> Worker runtime flags.
`
	return strings.TrimSpace(helpText)
}

func (c *AddProcsCommand) Synopsis() string {
	return "Grows a scale set and registers its worker processes"
}

type addProcsArgs struct {
	masterAddr    string
	template      string
	scaleset      string
	resourceGroup string
	subscription  string
	location      string
	sku           string
	n             int64
	ppi           int
	spot          bool
	spotMaxPrice  float64
	cookie        string
	runtimeExe    string
	runtimeFlags  string
}

func (c *AddProcsCommand) parseFlags(args []string) (*addProcsArgs, error) {
	out := &addProcsArgs{masterAddr: "127.0.0.1:8080", ppi: 1, spotMaxPrice: -1}

	flags := flag.NewFlagSet("addprocs", flag.ContinueOnError)
	flags.Usage = func() { fmt.Println(c.Help()) }
	flags.StringVar(&out.masterAddr, "master-addr", out.masterAddr, "")
	flags.StringVar(&out.template, "template", "", "")
	flags.StringVar(&out.scaleset, "scaleset", "", "")
	flags.StringVar(&out.resourceGroup, "resource-group", "", "")
	flags.StringVar(&out.subscription, "subscription", "", "")
	flags.StringVar(&out.location, "location", "", "")
	flags.StringVar(&out.sku, "sku", "", "")
	flags.Int64Var(&out.n, "n", 1, "")
	flags.IntVar(&out.ppi, "ppi", 1, "")
	flags.BoolVar(&out.spot, "spot", false, "")
	flags.Float64Var(&out.spotMaxPrice, "spot-max-price", -1, "")
	flags.StringVar(&out.cookie, "cookie", "", "")
	flags.StringVar(&out.runtimeExe, "runtime-exe", "", "")
	flags.StringVar(&out.runtimeFlags, "runtime-flags", "", "")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if out.scaleset == "" || out.template == "" || out.location == "" || out.sku == "" {
		return nil, fmt.Errorf("-scaleset, -template, -location, and -sku are required")
	}
	return out, nil
}

func (c *AddProcsCommand) Run(args []string) int {
	parsed, err := c.parseFlags(args)
	if err != nil {
		fmt.Printf("Error parsing command arguments: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "addprocs", Level: hclog.Info})

	m, err := manifest.Load()
	if err != nil {
		logger.Error("failed to load manifest", "error", err)
		return 1
	}

	resourceGroup := firstNonEmpty(parsed.resourceGroup, m.ResourceGroup)
	subscription := firstNonEmpty(parsed.subscription, m.SubscriptionID)
	if resourceGroup == "" || subscription == "" {
		logger.Error("resource group and subscription must be set via flags or manifest")
		return 1
	}

	tmpl, err := templates.Get(templates.ScaleSet, parsed.template)
	if err != nil {
		logger.Error("failed to load scale-set template", "error", err)
		return 1
	}

	req := masterapi.AddProcsRequest{
		Key: azureapi.ScaleSetKey{
			SubscriptionID: subscription,
			ResourceGroup:  resourceGroup,
			ScaleSet:       parsed.scaleset,
		},
		Template:     tmpl,
		NInstances:   parsed.n,
		PPI:          parsed.ppi,
		Location:     parsed.location,
		SKUName:      parsed.sku,
		SSHUser:      m.SSHUser,
		SSHPublicKey: mustReadSSHPublicKey(m),
		Spot: scaleset.SpotConfig{
			Enabled:  parsed.spot,
			MaxPrice: parsed.spotMaxPrice,
		},
		Cookie:       parsed.cookie,
		RuntimeExe:   parsed.runtimeExe,
		RuntimeFlags: parsed.runtimeFlags,
	}

	client := masterapi.NewClient(parsed.masterAddr)
	newCount, err := client.AddProcs(c.contextOrBackground(), req)
	if err != nil {
		logger.Error("addprocs failed", "error", err)
		return 1
	}

	fmt.Printf("scale set %q now has %d VM instances\n", parsed.scaleset, newCount)
	return 0
}

func (c *AddProcsCommand) contextOrBackground() context.Context {
	if c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
