package command

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/cloudinit"
	"github.com/hashicorp/azmanagers/internal/detachedclient"
	"github.com/hashicorp/azmanagers/internal/imageresolver"
	"github.com/hashicorp/azmanagers/internal/manifest"
	"github.com/hashicorp/azmanagers/internal/sshkeys"
	"github.com/hashicorp/azmanagers/internal/templates"
)

// DetachCommand implements the `@detach`/`@detachat` equivalents from
// spec.md §4.9: provision (or target) a detached-service VM, submit a
// code payload, and either wait for it inline ("detach") or return the
// job handle immediately (-no-wait, which the "detach-at" variant turns on
// by default through DefaultNoWait).
type DetachCommand struct {
	Ctx context.Context

	// DefaultNoWait makes this the `detach-at` variant: return the job
	// handle immediately instead of blocking, unless overridden with
	// -no-wait=false.
	DefaultNoWait bool
}

func (c *DetachCommand) Help() string {
	helpText := `
Usage: azmanagers detach -code=<script> [options]

  Runs code on a detached-service VM: provisions a new VM unless -ip
  targets an existing one, submits the code, and (unless -no-wait) blocks
  until it finishes before printing its captured stdout/stderr.

Options:

  -code=<script>      Shell script to run. Required.
  -code-file=<path>    Read the script from a file instead of -code.
  -ip=<addr>           Target an already-running detached-service VM.
  -vm-template=<name>  VM template name, when provisioning.
  -nic-template=<name> NIC template name, when provisioning.
  -name=<name>         VM resource name, when provisioning. Defaults to a
                       generated "detached-xxxxxxxx" name.
  -resource-group=<n>  Overrides the manifest's resourcegroup.
  -subscription=<id>   Overrides the manifest's subscriptionid.
  -location=<name>     Azure region, when provisioning.
  -sku=<name>          VM size, when provisioning.
  -persist             Leave the VM running after the job finishes.
  -no-wait             Return the job handle immediately; don't wait or
                        print output.
  -worker-timeout=<d>  Provisioning/ping timeout, e.g. "10m". Default 10m.
  -token-env=<name>    Env var holding a pre-acquired Azure access token.
`
	return strings.TrimSpace(helpText)
}

func (c *DetachCommand) Synopsis() string {
	return "Runs code on a detached-service VM"
}

func (c *DetachCommand) Run(args []string) int {
	var (
		code, codeFile, ip                     string
		vmTemplateName, nicTemplateName, name string
		resourceGroup, subscription, location, sku string
		persist, noWait                        bool
		workerTimeout                           time.Duration
		tokenEnv                                string
	)

	flags := flag.NewFlagSet("detach", flag.ContinueOnError)
	flags.Usage = func() { fmt.Println(c.Help()) }
	flags.StringVar(&code, "code", "", "")
	flags.StringVar(&codeFile, "code-file", "", "")
	flags.StringVar(&ip, "ip", "", "")
	flags.StringVar(&vmTemplateName, "vm-template", "", "")
	flags.StringVar(&nicTemplateName, "nic-template", "", "")
	flags.StringVar(&name, "name", "", "")
	flags.StringVar(&resourceGroup, "resource-group", "", "")
	flags.StringVar(&subscription, "subscription", "", "")
	flags.StringVar(&location, "location", "", "")
	flags.StringVar(&sku, "sku", "", "")
	flags.BoolVar(&persist, "persist", false, "")
	flags.BoolVar(&noWait, "no-wait", c.DefaultNoWait, "")
	flags.DurationVar(&workerTimeout, "worker-timeout", 10*time.Minute, "")
	flags.StringVar(&tokenEnv, "token-env", "", "")

	if err := flags.Parse(args); err != nil {
		fmt.Printf("Error parsing command arguments: %v\n", err)
		return 1
	}

	if codeFile != "" {
		raw, err := os.ReadFile(codeFile)
		if err != nil {
			fmt.Printf("failed to read -code-file: %v\n", err)
			return 1
		}
		code = string(raw)
	}
	if strings.TrimSpace(code) == "" {
		fmt.Println("one of -code or -code-file is required")
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{Name: "detach", Level: hclog.Info})

	m, err := manifest.Load()
	if err != nil {
		logger.Error("failed to load manifest", "error", err)
		return 1
	}

	session := newEnvTokenProvider(tokenEnv)
	if err := requireToken(session); err != nil {
		logger.Error("failed to authenticate", "error", err)
		return 1
	}

	az := azureapi.NewClient(session, logger, 5, false, 20)
	client := detachedclient.New(az, logger, 5, workerTimeout)

	ctx := context.Background()
	if c.Ctx != nil {
		ctx = c.Ctx
	}

	var vm detachedclient.VM
	if ip != "" {
		vm = detachedclient.VM{
			IP:             ip,
			SubscriptionID: firstNonEmpty(subscription, m.SubscriptionID),
			ResourceGroup:  firstNonEmpty(resourceGroup, m.ResourceGroup),
		}
	} else {
		if vmTemplateName == "" || nicTemplateName == "" || location == "" || sku == "" {
			fmt.Println("provisioning a new VM requires -vm-template, -nic-template, -location, and -sku (or pass -ip to target an existing VM)")
			return 1
		}
		if name == "" {
			name = "detached-" + uuid.NewString()[:8]
		}

		vmTmpl, err := templates.Get(templates.VM, vmTemplateName)
		if err != nil {
			logger.Error("failed to load VM template", "error", err)
			return 1
		}
		nicTmpl, err := templates.Get(templates.NIC, nicTemplateName)
		if err != nil {
			logger.Error("failed to load NIC template", "error", err)
			return 1
		}

		provisioned, err := client.AddProc(ctx, detachedclient.AddProcOptions{
			SubscriptionID:  firstNonEmpty(subscription, m.SubscriptionID),
			ResourceGroup:   firstNonEmpty(resourceGroup, m.ResourceGroup),
			Location:        location,
			SKUName:         sku,
			Name:            name,
			VMTemplate:      vmTmpl,
			NICTemplate:     nicTmpl,
			SSHUser:         m.SSHUser,
			SSHPublicKey:    mustReadSSHPublicKey(m),
			Image:           imageresolver.Inputs{},
			DetachedService: true,
			CloudInit: cloudinit.Config{
				SSHUser: m.SSHUser,
				Detached: cloudinit.DetachedLaunch{
					DetachedAgentExe: "/usr/local/bin/azmanagers-detached",
				},
			},
		})
		if err != nil {
			logger.Error("failed to provision detached-service VM", "error", err)
			return 1
		}
		vm = *provisioned
	}

	job, err := client.DetachedRun(ctx, vm, code, persist, nil)
	if err != nil {
		logger.Error("failed to submit job", "error", err)
		return 1
	}

	if noWait {
		fmt.Printf("job %s submitted on %s (%s)\n", job.ID, vm.Name, vm.IP)
		return 0
	}

	if err := client.Wait(ctx, job); err != nil {
		fmt.Printf("job failed: %v\n", err)
	}

	if stdout, err := client.Read(ctx, job, detachedclient.Stdout); err == nil {
		fmt.Print(stdout)
	}
	if stderr, err := client.Read(ctx, job, detachedclient.Stderr); err == nil && stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}

	// persist=false means the VM self-terminates once the job finishes
	// (spec.md §4.8 step 6); nothing further to clean up client-side.
	return 0
}

// mustReadSSHPublicKey returns the authorized_keys line to seed onto a
// provisioned VM. When the manifest doesn't pin explicit key paths it
// falls back to a keypair under ~/.azmanagers, generating one with
// sshkeys.EnsureKeyPair on first use (spec.md §4.5 step 2-3).
func mustReadSSHPublicKey(m *manifest.Manifest) string {
	privPath, pubPath := m.SSHPrivateKeyFile, m.SSHPublicKeyFile
	if privPath == "" || pubPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir := filepath.Join(home, ".azmanagers")
		if privPath == "" {
			privPath = filepath.Join(dir, "id_ed25519")
		}
		if pubPath == "" {
			pubPath = filepath.Join(dir, "id_ed25519.pub")
		}
	}

	pair, err := sshkeys.EnsureKeyPair(privPath, pubPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(pair.AuthorizedKeyLine)
}
