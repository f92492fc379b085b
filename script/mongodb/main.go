package main

import (
	"context"
	"flag"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/config"
	"github.com/linlinbupt123-crypto/hdwallet_core/db"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	logger := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stdout))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Criticalf("Load config failed: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mongo.Timeout)
	defer cancel()

	repo, err := db.NewMongoRepo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		logger.Criticalf("MongoDB connect error: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(ctx); err != nil {
			logger.Errorf("MongoDB disconnect error: %v", err)
		}
	}()

	// 初始化所有 collection
	if err := db.EnsureIndexes(ctx, repo.DB); err != nil {
		logger.Criticalf("Init indexes failed: %v", err)
		return
	}

	logger.Infof("All indexes initialized on %s", cfg.Mongo.Database)
}
