package command

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	metrics "github.com/armon/go-metrics"
	ametrics_prometheus "github.com/armon/go-metrics/prometheus"
	hclog "github.com/hashicorp/go-hclog"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashicorp/azmanagers/internal/cluster"
	"github.com/hashicorp/azmanagers/internal/distruntime"
	"github.com/hashicorp/azmanagers/internal/manifest"
	"github.com/hashicorp/azmanagers/internal/masterapi"
)

// MasterCommand starts the cluster manager runtime (spec.md §4.7) and
// blocks until it receives an interrupt, reloading the on-disk manifest
// on SIGHUP the way the teacher's agent reloads its config -- grounded on
// agent/agent.go's handleSignals/reload pair.
type MasterCommand struct {
	Ctx context.Context

	args []string
}

func (c *MasterCommand) Help() string {
	helpText := `
Usage: azmanagers master [options]

  Starts the cluster manager runtime: binds the worker registration
  socket, and serves the health, metrics, and addprocs/rmprocs
  control-plane endpoints until an interrupt is received. SIGHUP reloads
  ~/.azmanagers/manifest.json.

Options:

  -http-bind-address=<addr>
    The address the health/metrics/control-plane HTTP server binds to.
    Defaults to 127.0.0.1.

  -http-bind-port=<port>
    The port the health/metrics/control-plane HTTP server binds to.
    Defaults to 8080. "azmanagers addprocs"/"rmprocs" target this
    address with -master-addr.

  -nretry=<n>
    Number of retries for Azure REST calls. Defaults to 5.

  -verbose
    Log every outbound Azure REST call.

  -cookie=<cookie>
    The shared secret workers must present during the registration
    handshake.

  -token-env=<name>
    Environment variable holding a pre-acquired Azure access token.
    Defaults to AZMANAGERS_ACCESS_TOKEN.
`
	return strings.TrimSpace(helpText)
}

func (c *MasterCommand) Synopsis() string {
	return "Starts the azmanagers cluster manager runtime"
}

type masterArgs struct {
	httpBindAddress string
	httpBindPort    int
	nretry          int
	verbose         bool
	cookie          string
	tokenEnv        string
}

func (c *MasterCommand) parseFlags(args []string) (*masterArgs, error) {
	out := &masterArgs{httpBindAddress: "127.0.0.1", httpBindPort: 8080, nretry: 5}

	flags := flag.NewFlagSet("master", flag.ContinueOnError)
	flags.Usage = func() { fmt.Println(c.Help()) }
	flags.StringVar(&out.httpBindAddress, "http-bind-address", out.httpBindAddress, "")
	flags.IntVar(&out.httpBindPort, "http-bind-port", out.httpBindPort, "")
	flags.IntVar(&out.nretry, "nretry", out.nretry, "")
	flags.BoolVar(&out.verbose, "verbose", false, "")
	flags.StringVar(&out.cookie, "cookie", "", "")
	flags.StringVar(&out.tokenEnv, "token-env", "", "")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MasterCommand) Run(args []string) int {
	c.args = args

	parsed, err := c.parseFlags(c.args)
	if err != nil {
		fmt.Printf("Error parsing command arguments: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "master",
		Level: hclog.Info,
	})

	session := newEnvTokenProvider(parsed.tokenEnv)
	if err := requireToken(session); err != nil {
		logger.Error("failed to start master", "error", err)
		return 1
	}

	if _, err := manifest.Load(); err != nil {
		logger.Error("failed to load manifest", "error", err)
		return 1
	}

	// The real distributed-compute runtime is an out-of-scope external
	// collaborator (spec.md §1): this process attaches to it through
	// distruntime.Runtime. Absent a real bridge, FakeRuntime lets the
	// cluster manager run standalone for local operation and testing.
	rt := distruntime.NewFakeRuntime()

	mgr := cluster.New(rt, logger)
	if err := mgr.Init(session, parsed.nretry, parsed.verbose); err != nil {
		logger.Error("failed to initialize cluster manager", "error", err)
		return 1
	}
	if parsed.cookie != "" {
		mgr.SetCookie(parsed.cookie)
	}

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	var fanout metrics.FanoutSink
	promSink, err := ametrics_prometheus.NewPrometheusSinkFrom(ametrics_prometheus.PrometheusOpts{})
	if err != nil {
		logger.Warn("failed to set up Prometheus sink, metrics will only be in-memory", "error", err)
	} else {
		fanout = append(fanout, promSink)
	}
	fanout = append(fanout, inm)

	metricsConf := metrics.DefaultConfig("azmanagers")
	if _, err := metrics.NewGlobal(metricsConf, fanout); err != nil {
		logger.Error("failed to set up metrics", "error", err)
		return 1
	}

	httpSrv := c.startHealthServer(logger, parsed.httpBindAddress, parsed.httpBindPort, mgr)

	logger.Info("cluster manager started", "listen_addr", mgr.ListenAddr())
	c.handleSignals(logger, mgr, httpSrv)
	return 0
}

func (c *MasterCommand) startHealthServer(logger hclog.Logger, addr string, port int, mgr *cluster.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/v1/metrics", promhttp.HandlerFor(promclient.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog:           logger.Named("prometheus_handler").StandardLogger(nil),
		ErrorHandling:      promhttp.ContinueOnError,
		DisableCompression: true,
	}))
	masterapi.RegisterRoutes(mux, mgr, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", addr, port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server stopped", "error", err)
		}
	}()
	return srv
}

// handleSignals mirrors agent/agent.go's handleSignals/reload pair: SIGHUP
// reloads the manifest, anything else begins a graceful shutdown.
func (c *MasterCommand) handleSignals(logger hclog.Logger, mgr *cluster.Manager, httpSrv *http.Server) {
	signalCh := make(chan os.Signal, 3)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-signalCh
		logger.Info("caught signal", "signal", sig.String())

		if sig == syscall.SIGHUP {
			if _, err := manifest.Reload(); err != nil {
				logger.Error("failed to reload manifest", "error", err)
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = httpSrv.Shutdown(ctx)
		if err := mgr.Shutdown(ctx); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
		return
	}
}
