package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"healthchat/internal/client"
)

func main() {
	var baseURL string
	flag.StringVar(&baseURL, "base", "", "backend base URL (defaults to HEALTHCHAT_BASE_URL or http://127.0.0.1:8000)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := client.NewGateway(baseURL)
	repl := client.NewREPL(gateway, os.Stdout)
	if err := repl.Run(ctx, os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
