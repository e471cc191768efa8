package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kansean/mtproto-manager/cmd/mtproman/commands"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		commands.Run(os.Args[2:], logger)
	case "init":
		commands.Init(os.Args[2:], logger)
	case "gensecret":
		commands.GenSecret(os.Args[2:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: mtproman <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  run        Start the proxy fleet manager")
	fmt.Fprintln(os.Stderr, "  init       Write a starter service config and set the admin password")
	fmt.Fprintln(os.Stderr, "  gensecret  Generate a fake-TLS secret and print its share links")
}
