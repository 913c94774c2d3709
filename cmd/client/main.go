package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"improto/internal/codec"
	"improto/internal/config"
	"improto/internal/model"
	"improto/internal/repository/identity"
	"improto/internal/service/app"
	redisSvc "improto/internal/service/redis"
	"improto/internal/transport"
	"improto/internal/utils/log"
)

var (
	envFile  string
	name     string
	relayURL string
	debug    bool
)

func main() {
	root := &cobra.Command{
		Use:   "improto",
		Short: "End-to-end encrypted peer messaging client",
	}
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "optional .env file")
	root.PersistentFlags().StringVarP(&name, "name", "n", "", "local identity name")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay HTTP base URL")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")

	root.AddCommand(identityCmd(), sendCmd(), listenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// printer writes application events to stdout.
type printer struct{}

func (printer) OnData(peerID string, msg *model.EncapsulatedMessage) {
	switch msg.Type {
	case model.TypeChatText:
		text, err := codec.Decode[model.TextPayload](msg)
		if err != nil {
			log.Warn("bad text message", zap.Error(err))
			return
		}
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp, peerID, text.Text)
	case model.TypeProfile:
		profile, err := codec.Decode[model.ProfilePayload](msg)
		if err != nil {
			return
		}
		fmt.Printf("%s is now %q\n", peerID, profile.Name)
	default:
		fmt.Printf("%s sent %s\n", peerID, msg.Type)
	}
}

func (printer) OnStatus(status model.MessageStatus, hashes []string) {
	for _, h := range hashes {
		fmt.Printf("%s %s\n", short(h), status)
	}
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// withApp starts a client for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("name") {
		cfg.Name = name
	}
	if cmd.Flags().Changed("relay") {
		cfg.RelayURL = relayURL
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = debug
	}
	if err := log.Init(cfg.Debug); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	a := app.New(app.Options{
		Name:       cfg.Name,
		RelayURL:   cfg.RelayURL,
		SessionTTL: cfg.SessionTTL,
		Transport: transport.Config{
			CloseTimeout: cfg.CloseTimeout,
			AckTimeout:   cfg.AckTimeout,
		},
	}, identity.NewIdentityRepo(mongoClient.Database(cfg.MongoDB)), redisSvc.NewRedis(rdb), printer{})
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close client", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Create or load the local identity and print its DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app.App) error {
				fmt.Println(a.Identity().DID)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <did> <message>",
		Short: "Encrypt and send a text message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				em, err := a.SendText(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Println("sent", short(em.SHA256))
				return nil
			})
		},
	}
}

func listenCmd() *cobra.Command {
	var (
		to      string
		profile string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages until interrupted",
		Long:  "Print incoming messages until interrupted. With --to, every line read from stdin is sent to that peer.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Println("listening as", a.Identity().DID)
				if to != "" {
					if _, err := a.Peer(ctx, to); err != nil {
						return err
					}
				}
				if profile != "" {
					if err := a.SetProfile(ctx, model.ProfilePayload{Name: profile}); err != nil {
						log.Warn("profile broadcast incomplete", zap.Error(err))
					}
				}
				if to != "" {
					go chat(ctx, a, to)
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "peer DID to send stdin lines to")
	cmd.Flags().StringVar(&profile, "profile", "", "display name shown to peers")
	return cmd
}

func chat(ctx context.Context, a *app.App, to string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := a.SendText(sendCtx, to, line); err != nil {
			log.Error("send message failed", zap.Error(err))
		}
		cancel()
	}
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
