package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/registrar/internal/client"
	"github.com/basket/registrar/internal/config"
)

// runInstancesCommand connects as an external client and prints the
// registered instances. The first run for an app asks the instances to
// approve it; the resulting token is kept in the token file.
func runInstancesCommand(ctx context.Context, args []string) int {
	return instancesCommand(ctx, args, os.Stdout, os.Stderr)
}

func instancesCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("instances", flag.ContinueOnError)
	fs.SetOutput(stderr)
	app := fs.String("app", "", "application name to authenticate as (required)")
	tokenFile := fs.String("token-file", "", "where the app's token is kept (default <home>/tokens/<app>.token)")
	wait := fs.Duration("wait", 3*time.Minute, "how long to wait for connection and approval")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *app == "" || fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: registrar instances -app NAME [-token-file PATH] [-wait DURATION]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config load: %v\n", err)
		return 1
	}
	path := *tokenFile
	if path == "" {
		path = filepath.Join(cfg.HomeDir, "tokens", *app+".token")
	}

	ctx, cancel := context.WithTimeout(ctx, *wait)
	defer cancel()
	c, err := client.Connect(ctx, client.Options{
		URL:     wsURL(cfg.BindAddr),
		AppName: *app,
		Tokens:  client.FileTokenStore{Path: path},
	})
	if err != nil {
		fmt.Fprintf(stderr, "connect: %v\n", err)
		return 1
	}
	defer c.Close()

	infos, err := c.Instances(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "list instances: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(infos); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
