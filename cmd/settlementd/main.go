package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nenkoz/1launch-sub000/internal/auction"
	"github.com/nenkoz/1launch-sub000/internal/chain"
	"github.com/nenkoz/1launch-sub000/internal/oracle"
	"github.com/nenkoz/1launch-sub000/internal/server"
	"github.com/nenkoz/1launch-sub000/internal/settlement"
	"github.com/nenkoz/1launch-sub000/internal/venue"
	"github.com/nenkoz/1launch-sub000/pkg/config"
	"github.com/nenkoz/1launch-sub000/pkg/logger"
	"github.com/nenkoz/1launch-sub000/pkg/secretstore"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", os.Getenv("LAUNCH_CONFIG"), "YAML config file path")
		setMnemonic = flag.Bool("set-mnemonic", false, "read a relay mnemonic from stdin, store it and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.For("main")

	secretKey, err := secretstore.KeyFromEnv("LAUNCH_SECRETS_KEY")
	if err != nil {
		log.WithError(err).Fatal("secret key")
	}
	secrets, err := secretstore.Open(cfg.Secrets.StorePath, secretKey)
	if err != nil {
		log.WithError(err).Fatal("open secret store")
	}
	defer secrets.Close()

	if *setMnemonic {
		if err := storeMnemonicFromStdin(secrets); err != nil {
			log.WithError(err).Fatal("store mnemonic")
		}
		fmt.Println("relay mnemonic stored")
		return
	}

	store, err := auction.NewStore(cfg.Server.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open auction store")
	}
	defer store.Close()

	priceOracle := buildOracle(cfg)
	if feed, ok := priceOracle.(*oracle.Feed); ok {
		feedCtx, feedCancel := context.WithCancel(context.Background())
		defer feedCancel()
		feed.Start(feedCtx)
		defer feed.Stop()
	}

	venueClient := venue.NewClient(cfg.Venue.BaseURL, cfg.Venue.Timeout)
	strategies := venue.NewRegistry(venue.NewPermitStrategy(venueClient))

	executor, err := buildExecutor(cfg, secrets)
	if err != nil {
		log.WithError(err).Fatal("build executor")
	}
	defer executor.Close()

	settleLog := logger.For("settlement")
	orch := settlement.NewOrchestrator(store,
		settlement.NewValuer(priceOracle, settleLog),
		settlement.NewConverter(strategies, store, settlement.ConverterConfig{
			StableToken:    cfg.Chain.StableToken,
			StableDecimals: 6,
			Concurrency:    cfg.Venue.Concurrency,
			RatePerSec:     cfg.Venue.RatePerSec,
			CallTimeout:    cfg.Venue.Timeout,
		}, settleLog),
		settlement.NewDistributor(executor, store, cfg.Settlement.SlippageTolerance, settleLog),
		settleLog)

	srv := server.New(server.Config{SettleInterval: cfg.Server.SettleInterval}, store, orch)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("listen", cfg.Server.Listen).Info("settlement service listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server")
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)

	log.Info("settlement service stopped")
}

// buildOracle returns the live feed layered over HTTP when a websocket
// URL is configured, plain HTTP otherwise.
func buildOracle(cfg *config.Config) settlement.PriceOracle {
	client := oracle.NewClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout)
	if cfg.Oracle.WSURL != "" {
		return oracle.NewFeed(cfg.Oracle.WSURL, client)
	}
	return client
}

func buildExecutor(cfg *config.Config, secrets *secretstore.Store) (*chain.Executor, error) {
	mnemonic, err := secrets.RelayMnemonic()
	if err != nil {
		return nil, err
	}
	key, err := chain.DeriveRelayKey(mnemonic, cfg.Chain.DerivationPath)
	if err != nil {
		return nil, err
	}
	// Auction tokens launched through the platform use 18 decimals.
	return chain.NewExecutor(cfg.Chain.RPCURL, cfg.Chain.ExecutorAddr, cfg.Chain.ChainID, key, 18)
}

func storeMnemonicFromStdin(secrets *secretstore.Store) error {
	fmt.Print("relay mnemonic: ")
	var mnemonic string
	reader := make([]byte, 1024)
	n, err := os.Stdin.Read(reader)
	if err != nil {
		return err
	}
	mnemonic = string(reader[:n])
	if _, err := chain.DeriveRelayKey(mnemonic, "m/44'/60'/0'/0/0"); err != nil {
		return err
	}
	return secrets.SetRelayMnemonic(mnemonic)
}
