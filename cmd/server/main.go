package main

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"improto/internal/config"
	"improto/internal/cryptographic/dh"
	"improto/internal/cryptographic/keys"
	"improto/internal/repository/document"
	redisSvc "improto/internal/service/redis"
	"improto/internal/service/server"
	"improto/internal/utils/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		envFile   string
		addr      string
		publicURL string
		debug     bool
	)

	root := &cobra.Command{
		Use:   "improto-server",
		Short: "Secure message endpoint and DID relay",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.ServerAddr = addr
			}
			if cmd.Flags().Changed("public-url") {
				cfg.PublicURL = publicURL
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			if err := log.Init(cfg.Debug); err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveRelay(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	serve.Flags().StringVar(&publicURL, "public-url", "", "websocket URL advertised to clients")
	serve.Flags().BoolVar(&debug, "debug", false, "development logging")

	root.PersistentFlags().StringVar(&envFile, "env", ".env", "optional .env file")
	root.AddCommand(serve)
	return root
}

func serveRelay(ctx context.Context, cfg config.Config) error {
	mongoClient, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoClient.Disconnect(context.Background())

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	rs := redisSvc.NewRedis(rdb)
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	key, err := serverKey(cfg.ServerKey)
	if err != nil {
		return err
	}
	documents := document.NewDocumentRepo(mongoClient.Database(cfg.MongoDB))
	srv, err := server.NewHttpServer(cfg.ServerAddr, cfg.PublicURL, key, rs, documents)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func serverKey(encoded string) (*ecdh.PrivateKey, error) {
	if encoded == "" {
		log.Warn("no server key configured, clients must refetch /config after restart")
		return dh.NewP256KeyPair()
	}
	raw, err := keys.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	key, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	log.Debug("server key loaded", zap.Int("bytes", len(raw)))
	return key, nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
