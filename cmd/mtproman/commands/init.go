package commands

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kansean/mtproto-manager/internal/api"
	"github.com/kansean/mtproto-manager/internal/store"
)

func Init(args []string, logger *slog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "/etc/mtproman/config.yaml", "path to config file")
	dataDir := fs.String("data-dir", "/var/lib/mtproman", "state directory")
	listen := fs.String("listen", "127.0.0.1:8080", "API listen address")
	domain := fs.String("domain", "", "public domain of the server")
	serverIP := fs.String("ip", "", "public IP of the server")
	username := fs.String("admin", "admin", "admin username")
	password := fs.String("password", "", "admin password (generated when empty)")
	fs.Parse(args)

	pass := *password
	if pass == "" {
		var raw [12]byte
		if _, err := rand.Read(raw[:]); err != nil {
			logger.Error("failed to generate password", "err", err)
			os.Exit(1)
		}
		pass = hex.EncodeToString(raw[:])
	}
	hash, err := api.HashPassword(pass)
	if err != nil {
		logger.Error("failed to hash password", "err", err)
		os.Exit(1)
	}

	content := fmt.Sprintf(`log_level: info
data_dir: %s
api_listen: %s
nginx_container: mtproto-nginx
monitor_interval: 10
observability_http:
  addr: 127.0.0.1:9090
  pprof: false
  metrics: true
`, *dataDir, *listen)

	if err := os.MkdirAll(filepath.Dir(*configPath), 0o755); err != nil {
		logger.Error("failed to create config directory", "err", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*configPath, []byte(content), 0o600); err != nil {
		logger.Error("failed to write config", "err", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(*dataDir, "config.json"), logger)
	if err != nil {
		logger.Error("failed to open state store", "err", err)
		os.Exit(1)
	}
	if err := st.UpdateSettings(func(s *store.Settings) {
		s.ServerDomain = *domain
		s.ServerIP = *serverIP
		s.AdminUsername = *username
		s.AdminPasswordHash = hash
	}); err != nil {
		logger.Error("failed to save settings", "err", err)
		os.Exit(1)
	}

	fmt.Println("=== Manager initialized ===")
	fmt.Printf("Config:   %s\n", *configPath)
	fmt.Printf("State:    %s\n", *dataDir)
	fmt.Printf("API:      http://%s\n", *listen)
	fmt.Printf("Admin:    %s\n", *username)
	if *password == "" {
		fmt.Printf("Password: %s (generated, store it now)\n", pass)
	}
	fmt.Println()
	fmt.Println("Run 'mtproman run' to start the manager.")
}
