package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/peerchat"
	"github.com/opd-ai/peerchat/auth"
	"github.com/opd-ai/peerchat/config"
	"github.com/opd-ai/peerchat/media"
	"github.com/opd-ai/peerchat/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "peerchat messaging server",
	Long:  "chatd serves the peerchat realtime messaging core over WebSocket and HTTP.",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

func run(cmd *cobra.Command, _ []string) error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	options := peerchat.NewOptions()
	options.SelfDestructInterval = cfg.Sweep.SelfDestructInterval
	options.TempSessionInterval = cfg.Sweep.TempSessionInterval

	if cfg.Database.DSN != "" {
		pg := storage.NewPostgresStore(cfg.Database.DSN)
		if err := pg.Init(ctx); err != nil {
			return err
		}
		defer pg.Close()
		options.Store = pg
		logrus.WithField("function", "run").Info("using postgres storage")
	}

	if cfg.Media.Bucket != "" {
		blobs, err := media.NewS3BlobStore(ctx, cfg.Media.Bucket, cfg.Media.BaseURL)
		if err != nil {
			return err
		}
		options.Blobs = blobs
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"bucket":   cfg.Media.Bucket,
		}).Info("using s3 media storage")
	}

	tokens := make(map[string]uuid.UUID, len(cfg.Auth.Tokens))
	for token, id := range cfg.Auth.Tokens {
		userID, err := uuid.Parse(id)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"user_id":  id,
			}).Warn("skipping malformed user id in auth tokens")
			continue
		}
		tokens[token] = userID
	}
	options.Authenticator = auth.NewStaticAuthenticator(tokens)

	core, err := peerchat.New(options)
	if err != nil {
		return err
	}
	core.Start(ctx)
	defer core.Close()

	server := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: newServer(core).routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"listen":   cfg.Server.Listen,
		}).Info("chatd listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-stop:
		logrus.WithField("function", "run").Info("shutting down")
		return server.Shutdown(context.Background())
	}
}
