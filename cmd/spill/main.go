// Package main provides spill - a one-way payment channel between a payer
// and a payee. By default both parties run locally; -serve runs the payee as
// a JSON-RPC daemon and -connect pays such a daemon. Nothing is broadcast
// unless the config names a real funding coin and -broadcast is given.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spill/internal/backend"
	"github.com/klingon-exchange/spill/internal/config"
	"github.com/klingon-exchange/spill/internal/rpc"
	"github.com/klingon-exchange/spill/internal/storage"
	"github.com/klingon-exchange/spill/internal/wallet"
	"github.com/klingon-exchange/spill/pkg/helpers"
	"github.com/klingon-exchange/spill/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		configFile  = flag.String("config", "~/.spill/"+config.ConfigFileName, "Config file path")
		network     = flag.String("network", "", "Bitcoin network, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		genMnemonic = flag.Bool("gen-mnemonic", false, "Generate a mnemonic and exit")
		seedOut     = flag.String("seed-out", "", "With -gen-mnemonic, encrypt the mnemonic to this seed file using $"+passwordEnv)
		history     = flag.Int("history", 0, "Print the last N journaled sessions and exit")
		broadcast   = flag.Bool("broadcast", false, "Broadcast the funding and payment transactions (requires funding.outpoint)")
		serveRPC    = flag.Bool("serve", false, "Run the payee daemon on rpc.listen")
		connect     = flag.String("connect", "", "Pay the payee daemon at this URL instead of a local payee")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logging, replaced once the config is loaded
	level := *logLevel
	if level == "" {
		level = "info"
	}
	log := logging.New(&logging.Config{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("spill %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *genMnemonic {
		if err := generateSeed(os.Stdout, *seedOut); err != nil {
			log.Fatal("Failed to generate mnemonic", "error", err)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *network != "" {
		cfg.Network = *network
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}
	if *broadcast && cfg.Funding.Outpoint == "" {
		log.Fatal("Invalid config", "error", errors.New("-broadcast requires funding.outpoint"))
	}
	if *serveRPC && *connect != "" {
		log.Fatal("Invalid flags", "error", errors.New("-serve and -connect are exclusive"))
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ExpandPath(*configFile), "network", cfg.Network)

	var store *storage.Storage
	if cfg.Journal || *history > 0 {
		store, err = storage.New(&storage.Config{DataDir: cfg.DataDir})
		if err != nil {
			log.Fatal("Failed to open journal", "error", err)
		}
		defer store.Close()
		log.Debug("Journal open", "path", store.Path())
	}

	if *history > 0 {
		if err := printHistory(os.Stdout, store, *history); err != nil {
			log.Fatal("Failed to read journal", "error", err)
		}
		return
	}

	params, err := cfg.ChainParams()
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serveRPC {
		payee, err := loadKey(cfg, "payee", cfg.Wallets.Payee, params, log.Component("payee"))
		if err != nil {
			log.Fatal("Failed to load wallet", "error", err)
		}

		// Without a backend the daemon still settles, it just cannot broadcast.
		var b backend.Backend
		if nb, err := backend.New(&cfg.Backend, params.Network); err != nil {
			log.Warn("Broadcast disabled", "error", err)
		} else if err := nb.Connect(ctx); err != nil {
			log.Warn("Broadcast disabled", "error", err)
		} else {
			b = nb
			defer b.Close()
		}

		if err := serve(ctx, cfg, payee, store, b, log); err != nil {
			log.Fatal("Payee daemon failed", "error", err)
		}
		return
	}

	payer, err := loadKey(cfg, "payer", cfg.Wallets.Payer, params, log.Component("payer"))
	if err != nil {
		log.Fatal("Failed to load wallet", "error", err)
	}

	var b backend.Backend
	if cfg.Funding.Outpoint != "" {
		b, err = backend.New(&cfg.Backend, params.Network)
		if err != nil {
			log.Fatal("Failed to create backend", "error", err)
		}
		if err := b.Connect(ctx); err != nil {
			log.Fatal("Failed to connect to backend", "error", err)
		}
		defer b.Close()
		log.Info("Backend connected", "type", b.Type())
	}

	coin, err := resolveCoin(ctx, cfg, b, payer)
	if err != nil {
		log.Fatal("Failed to resolve funding coin", "error", err)
	}

	var s *session
	if *connect != "" {
		s, err = runRemoteSession(ctx, cfg, coin, payer, rpc.NewClient(*connect), store, log)
	} else {
		var payee *wallet.KeyPair
		payee, err = loadKey(cfg, "payee", cfg.Wallets.Payee, params, log.Component("payee"))
		if err != nil {
			log.Fatal("Failed to load wallet", "error", err)
		}
		s, err = runSession(cfg, coin, payer, payee, store, log)
	}
	if err != nil {
		log.Fatal("Channel session failed", "error", err)
	}

	if err := printSession(os.Stdout, s); err != nil {
		log.Fatal("Failed to print transactions", "error", err)
	}

	if *broadcast {
		if err := publish(ctx, b, s, log); err != nil {
			log.Fatal("Broadcast failed", "error", err)
		}
	}
}

// generateSeed prints a new mnemonic, or encrypts it to path when one is
// given.
func generateSeed(w io.Writer, path string) error {
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return err
	}

	if path == "" {
		_, err := fmt.Fprintln(w, mnemonic)
		return err
	}

	sf, err := wallet.EncryptMnemonic(mnemonic, os.Getenv(passwordEnv))
	if err != nil {
		return err
	}
	path = config.ExpandPath(path)
	if err := wallet.SaveSeedFile(sf, path); err != nil {
		return err
	}

	abs, _ := filepath.Abs(path)
	_, err = fmt.Fprintf(w, "seed file written to %s\n", abs)
	return err
}

func printSession(w io.Writer, s *session) error {
	txs := []struct {
		name string
		tx   *wire.MsgTx
	}{
		{"funding", s.Funding},
		{"payment", s.Payment},
		{"refund", s.Refund},
	}

	for _, t := range txs {
		raw, err := serializeTx(t.tx)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s %s\n%s\n\n", t.name, t.tx.TxHash(), raw); err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w, "paid %s BTC, %s BTC left in channel\n",
		helpers.SatoshisToBTC(s.Channel.Sent()), helpers.SatoshisToBTC(s.Channel.Remaining()))
	return err
}

// printHistory lists the most recent journaled sessions with their
// transactions.
func printHistory(w io.Writer, store *storage.Storage, n int) error {
	sessions, err := store.ListSessions(n)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		_, err := fmt.Fprintf(w, "%s %s %s %s paid %s of %s BTC\n",
			sess.CreatedAt.Format(time.DateTime), sess.ID, sess.Network, sess.State,
			helpers.SatoshisToBTC(btcutil.Amount(sess.Sent)),
			helpers.SatoshisToBTC(btcutil.Amount(sess.Capacity)))
		if err != nil {
			return err
		}

		txs, err := store.GetTransactions(sess.ID)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			status := "unbroadcast"
			if tx.BroadcastAt != nil {
				status = "broadcast " + tx.BroadcastAt.Format(time.DateTime)
			}
			if _, err := fmt.Fprintf(w, "  %-8s %s %s\n", tx.Kind, tx.TxID, status); err != nil {
				return err
			}
		}
	}

	return nil
}
