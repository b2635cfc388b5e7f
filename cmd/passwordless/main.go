package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	passwordlesscmd "github.com/oktadev/okta-webauthn-go/internal/cmd/passwordless"
	"github.com/oktadev/okta-webauthn-go/internal/platform/config"
)

func main() {
	cfg, err := passwordlesscmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[PASSWORDLESS] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := passwordlesscmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
