// Command settle runs settlement for one auction and prints the result.
// It shares the daemon's configuration and persisted state, so it can
// also resume a settlement a crashed daemon left behind.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/nenkoz/1launch-sub000/internal/auction"
	"github.com/nenkoz/1launch-sub000/internal/chain"
	"github.com/nenkoz/1launch-sub000/internal/oracle"
	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/internal/venue"
	"github.com/nenkoz/1launch-sub000/pkg/config"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
	"github.com/nenkoz/1launch-sub000/pkg/secretstore"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("LAUNCH_CONFIG"), "YAML config file path")
		auctionID  = flag.String("auction", "", "auction id to settle")
		timeout    = flag.Duration("timeout", 15*time.Minute, "overall settlement timeout")
	)
	flag.Parse()

	if *auctionID == "" {
		fmt.Fprintln(os.Stderr, "usage: settle -auction <id>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fatal("logger: %v", err)
	}

	store, err := auction.NewStore(cfg.Server.DBPath)
	if err != nil {
		fatal("open auction store: %v", err)
	}
	defer store.Close()

	secretKey, err := secretstore.KeyFromEnv("LAUNCH_SECRETS_KEY")
	if err != nil {
		fatal("secret key: %v", err)
	}
	secrets, err := secretstore.Open(cfg.Secrets.StorePath, secretKey)
	if err != nil {
		fatal("open secret store: %v", err)
	}
	defer secrets.Close()

	mnemonic, err := secrets.RelayMnemonic()
	if err != nil {
		fatal("relay mnemonic: %v", err)
	}
	key, err := chain.DeriveRelayKey(mnemonic, cfg.Chain.DerivationPath)
	if err != nil {
		fatal("derive relay key: %v", err)
	}
	executor, err := chain.NewExecutor(cfg.Chain.RPCURL, cfg.Chain.ExecutorAddr, cfg.Chain.ChainID, key, 18)
	if err != nil {
		fatal("executor: %v", err)
	}
	defer executor.Close()

	venueClient := venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout)
	strategies := venue.NewRegistry(venue.NewPermitStrategy(venueClient))

	log := logger.For("settlement")
	orch := settlement.NewOrchestrator(store,
		settlement.NewValuer(oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout), log),
		settlement.NewConverter(strategies, store, settlement.ConverterConfig{
			StableToken:    cfg.Chain.StableToken,
			StableDecimals: 6,
			Concurrency:    cfg.Venue.Concurrency,
			RatePerSec:     cfg.Venue.RatePerSec,
			CallTimeout:    cfg.Venue.Timeout,
		}, log),
		settlement.NewDistributor(executor, store, cfg.Settlement.SlippageTolerance, log),
		log)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := orch.Settle(ctx, *auctionID)
	if err != nil {
		fatal("settle: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
