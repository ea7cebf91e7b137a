// Command sphinxd is the sphinx OPRF password-oracle daemon: a single,
// no-subcommand entrypoint reading its configuration from a TOML file
// (spec.md §6, "CLI surface"), built with urfave/cli/v2 the way
// cmd/faucet builds its own flag surface with the standard library flag
// package — here traded for urfave/cli/v2 because sphinxd's surface is a
// single required --config flag plus standard process-lifecycle concerns,
// not faucet's dozen ad-hoc flags.
package main

import (
	"context"
	"crypto/ecdh"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/asciimoo/pwdsphinx/internal/config"
	"github.com/asciimoo/pwdsphinx/internal/dkg"
	"github.com/asciimoo/pwdsphinx/internal/log"
	"github.com/asciimoo/pwdsphinx/internal/noisexk"
	"github.com/asciimoo/pwdsphinx/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "sphinxd",
		Usage: "sphinx OPRF password-oracle daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "path to the server's TOML configuration file",
				Required: true,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("sphinxd exited", "err", err)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return fmt.Errorf("sphinxd: %w", err)
	}

	level := log.LevelInfo
	if cfg.Server.Verbose {
		level = log.LevelDebug
	}
	logger := log.New(level, log.ColorableStderr(), true)
	log.SetDefault(logger)

	if cfg.Server.Verbose {
		for _, line := range cfg.Dump() {
			logger.Debug(line)
		}
	}

	noiseKey, err := loadOrCreateNoiseKey(cfg.Server.Noisekey)
	if err != nil {
		return fmt.Errorf("sphinxd: noise key: %w", err)
	}

	peers, err := loadAuthorizedPeers(cfg.Server.AuthorizedKeys)
	if err != nil {
		return fmt.Errorf("sphinxd: authorized_keys: %w", err)
	}

	cert, err := tls.LoadX509KeyPair(cfg.Server.SSLCert, cfg.Server.SSLKey)
	if err != nil {
		return fmt.Errorf("sphinxd: load TLS cert/key: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}

	srv, err := server.New(cfg.Server, tlsCfg, noiseKey, peers, logger)
	if err != nil {
		return fmt.Errorf("sphinxd: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("sphinxd listening", "address", cfg.Server.Address, "port", cfg.Server.Port)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sphinxd: serve: %w", err)
	}
	logger.Info("sphinxd shut down")
	return nil
}

// loadOrCreateNoiseKey reads the 32-byte raw X25519 scalar at path,
// generating and persisting a fresh one on first run — the Noise-XK
// static key spec.md §3 describes as "loaded once at startup."
func loadOrCreateNoiseKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return noisexk.LoadStatic(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := noisexk.GenerateStatic()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Bytes(), 0600); err != nil {
		return nil, fmt.Errorf("persist noise key: %w", err)
	}
	return key, nil
}

// loadAuthorizedPeers parses the authorized_keys file: one peer per line,
// "<hex-encoded 32-byte X25519 static pubkey> <name>". pwdsphinx's actual
// on-disk allowlist format was not part of the retrieved sources; this is
// a documented assumption (see DESIGN.md), chosen to mirror the
// shape of an OpenSSH authorized_keys file.
func loadAuthorizedPeers(path string) ([]dkg.AuthorizedPeer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var peers []dkg.AuthorizedPeer
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		raw, err := hex.DecodeString(fields[0])
		if err != nil {
			return nil, fmt.Errorf("authorized_keys: bad hex on line %q: %w", line, err)
		}
		pub, err := ecdh.X25519().NewPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("authorized_keys: bad static key on line %q: %w", line, err)
		}
		name := ""
		if len(fields) > 1 {
			name = fields[1]
		}
		peers = append(peers, dkg.AuthorizedPeer{NoiseStatic: pub, Name: name})
	}
	return peers, nil
}
