// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Command azmanagers-detached is the tiny binary cloud-init launches on a
// detached-service VM (spec.md §4.5 step 5, "Detached server VM"). It
// starts the HTTP service described in spec.md §4.8 and, when asked to
// run a non-persistent job, deletes its own VM once that job finishes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/azmanagers/internal/azureapi"
	"github.com/hashicorp/azmanagers/internal/detachedsvc"
	"github.com/hashicorp/azmanagers/internal/metadata"
)

// envTokenProvider mirrors command.envTokenProvider: the SSH/Azure
// credential flow that would let this VM delete itself is out of scope
// per spec.md §1 ("SessionProvider{Token() string}"); this binary expects
// a token to have been seeded onto the VM (e.g. via managed identity
// token exchange performed outside this module) and exported into its
// environment.
type envTokenProvider struct{ envVar string }

func (p envTokenProvider) Token() string { return strings.TrimSpace(os.Getenv(p.envVar)) }

func main() {
	var bind string
	var jobDir string
	var tokenEnv string
	flag.StringVar(&bind, "bind", ":8081", "address to bind the detached-job HTTP service to")
	flag.StringVar(&jobDir, "job-dir", "/var/lib/azmanagers-detached", "directory for captured job output")
	flag.StringVar(&tokenEnv, "token-env", "AZMANAGERS_ACCESS_TOKEN", "env var holding a token for self-deletion")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{Name: "azmanagers-detached", Level: hclog.Info})

	if err := os.MkdirAll(jobDir, 0o700); err != nil {
		logger.Error("failed to create job directory", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	md := metadata.NewClient()

	identity := detachedsvc.Identity{}
	if compute, err := md.Identity(ctx); err != nil {
		logger.Warn("failed to query instance metadata for self-identity; /cofii/detached/vm will be incomplete", "error", err)
	} else {
		identity.Name = compute.Name
		identity.ResourceGroup = compute.ResourceGroupName
		identity.SubscriptionID = compute.SubscriptionID
	}
	if ip, err := md.PrivateIP(ctx); err == nil {
		identity.IP = ip
	}

	registry := detachedsvc.NewRegistry(jobDir)

	srv, err := detachedsvc.New(bind, registry, identity, logger)
	if err != nil {
		logger.Error("failed to start detached service", "error", err)
		os.Exit(1)
	}

	srv.OnTerminate = func() {
		logger.Info("non-persistent job finished, deleting self")
		session := envTokenProvider{envVar: tokenEnv}
		az := azureapi.NewClient(session, logger, 3, false, 10)
		deleteCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := az.DeleteVM(deleteCtx, identity.SubscriptionID, identity.ResourceGroup, identity.Name); err != nil {
			logger.Error("self-deletion failed", "error", err)
		}
	}

	go srv.Start()

	fmt.Printf("azmanagers-detached listening on %s\n", bind)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
