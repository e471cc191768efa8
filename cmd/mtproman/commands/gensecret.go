package commands

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kansean/mtproto-manager/internal/secret"
)

func GenSecret(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("gensecret", flag.ExitOnError)
	domain := fs.String("domain", "google.com", "fronting domain baked into the secret")
	server := fs.String("server", "", "server address for the share links")
	port := fs.Int("port", 443, "public port for the share links")
	fs.Parse(args)

	s, err := secret.Issue(*domain)
	if err != nil {
		logger.Error("failed to generate secret", "err", err)
		os.Exit(1)
	}

	fmt.Printf("Secret: %s\n", s)
	fmt.Printf("Domain: %s\n", *domain)
	if *server != "" {
		fmt.Printf("Link:   %s\n", secret.ProxyLink(*server, *port, s))
		fmt.Printf("Share:  %s\n", secret.TMeLink(*server, *port, s))
	}
}
