package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/registrar/internal/config"
	"github.com/basket/registrar/internal/trust"
)

func runTrustCommand(args []string) int {
	return trustCommand(args, os.Stdout, os.Stderr)
}

func trustCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] != "list" {
		fmt.Fprintln(stderr, "usage: registrar trust list")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	store, err := trust.Open(trust.Options{Path: cfg.TrustStorePath(), TTL: cfg.TrustTTL()})
	if err != nil {
		fmt.Fprintf(stderr, "open trust store: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP\tGRANTED\tLAST AUTHENTICATED")
	for _, rec := range store.Records() {
		last := "never"
		if rec.LastAuthenticatedAt != nil {
			last = rec.LastAuthenticatedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", rec.AppName, rec.GrantedAt.Local().Format(time.RFC3339), last)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}
