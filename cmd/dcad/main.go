package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bdcacrypto "bitmordca/crypto"
	"bitmordca/native/dca"
	"bitmordca/observability/logging"
	"bitmordca/services/coordinator"
	"bitmordca/services/coordinator/config"
	"bitmordca/storage"
)

func main() {
	configPath := flag.String("config", "coordinator.yaml", "path to the coordinator configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("dcad", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("dcad", cfg.Environment)

	keyHex, err := cfg.SignerKeyHex()
	if err != nil {
		logger.Error("load signer key", "err", err)
		os.Exit(1)
	}
	key, err := bdcacrypto.PrivateKeyFromHex(keyHex)
	if err != nil {
		logger.Error("parse signer key", "err", err)
		os.Exit(1)
	}
	signer, err := coordinator.NewSigner(key, cfg.ChainID)
	if err != nil {
		logger.Error("construct signer", "err", err)
		os.Exit(1)
	}

	params := dca.DefaultParams(cfg.ChainID)
	params.PenaltyMinBps = cfg.Penalty.MinBps
	params.PenaltyMaxBps = cfg.Penalty.MaxBps
	copy(params.TrustedSigner[:], key.PubKey().Address().Bytes())

	var db storage.Database
	if cfg.Ledger.DataDir != "" {
		db, err = storage.NewLevelDB(cfg.Ledger.DataDir)
		if err != nil {
			logger.Error("open ledger store", "path", cfg.Ledger.DataDir, "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("ledger.data_dir unset, ledger state is in-memory only")
		db = storage.NewMemDB()
	}
	defer db.Close()

	owner, err := cfg.Ledger.OwnerAddress()
	if err != nil {
		logger.Error("parse ledger owner", "err", err)
		os.Exit(1)
	}
	vault, err := cfg.Ledger.VaultAddress()
	if err != nil {
		logger.Error("parse ledger vault", "err", err)
		os.Exit(1)
	}
	engine := dca.NewEngine(owner, vault, params)
	engine.SetState(storage.NewStore(db))

	server := coordinator.NewServer(signer, nil, engine, params, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.ListenAddress, "signer", key.PubKey().Address().String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "err", err)
			os.Exit(1)
		}
	}
}
