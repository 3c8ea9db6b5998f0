// Command sovereign is the process entry point: it loads a sovereign's
// configuration, picks the security-module substrate it runs against, and
// drives the orchestrator's bootstrap and serve loop until an OS signal
// asks it to stop.
//
// Grounded on original_source/sovereign/enclave/src/main.rs, in the shape
// of the teacher's cmd/marble entry point (env-selected variant, graceful
// shutdown on SIGINT/SIGTERM) narrowed to this repository's single
// service rather than marble's per-MARBLE_TYPE dispatch table.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sovereign-tee/sovereign/internal/attestation"
	"github.com/sovereign-tee/sovereign/internal/orchestrator"
	"github.com/sovereign-tee/sovereign/internal/secmod"
	"github.com/sovereign-tee/sovereign/internal/secmod/mock"
	"github.com/sovereign-tee/sovereign/internal/secmod/nitro"
	"github.com/sovereign-tee/sovereign/internal/sovereignconfig"
)

func main() {
	configPath := os.Getenv("SOVEREIGN_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := sovereignconfig.Load(configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", configPath, err)
	}

	mod := selectModule()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sov, err := orchestrator.Start(ctx, mod, cfg)
	if err != nil {
		log.Fatalf("start: %v", err)
	}

	sov.Logger.Info(ctx, "sovereign bootstrapped, serving", nil)
	if err := sov.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}

// selectModule picks the security-module substrate: the real AWS Nitro
// driver when SOVEREIGN_SUBSTRATE=nitro (or unset, the production
// default), or the plain-TCP mock substrate for local development and
// the test-harness "debug" attestor when set to "mock".
func selectModule() secmod.Module {
	switch os.Getenv("SOVEREIGN_SUBSTRATE") {
	case "mock":
		return mock.Module{}
	case "nitro", "":
		return nitro.Module{RootCAPEM: attestation.AWSNitroRootCAPEM}
	default:
		log.Fatalf("unknown SOVEREIGN_SUBSTRATE %q; expected %q or %q", os.Getenv("SOVEREIGN_SUBSTRATE"), "nitro", "mock")
		return nil
	}
}
