package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/audioscribe/audioscribe-backend/internal/api"
	"github.com/audioscribe/audioscribe-backend/internal/auth"
	"github.com/audioscribe/audioscribe-backend/internal/config"
	"github.com/audioscribe/audioscribe-backend/internal/objstore"
	"github.com/audioscribe/audioscribe-backend/internal/queue"
	"github.com/audioscribe/audioscribe-backend/internal/storage"
	"github.com/audioscribe/audioscribe-backend/internal/transcriber"
	"github.com/audioscribe/audioscribe-backend/internal/worker"
)

const configPath = "audioscribe_config.json"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg := config.Default()
	if c, err := config.Load(configPath); err == nil {
		cfg = c
	}

	store := storage.NewSQLiteStorage()
	if err := store.Init(cfg.DBPath); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init storage:", err)
		os.Exit(2)
	}
	defer store.Close()

	cmd := os.Args[1]
	switch cmd {
	case "serve":
		serveCmd(store, cfg, log)
	case "worker":
		workerCmd(store, cfg, log)
	case "sweep":
		sweepCmd(store, cfg, log)
	case "config":
		configCmd(cfg)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("audioscribe - transcription job backend")
	fmt.Println("usage: audioscribe <command> [options]")
	fmt.Println("commands: serve, worker, sweep, config")
}

func buildQueue(cfg *config.Config) queue.Queue {
	if cfg.SQSQueueURL == "" {
		return queue.NewMemory()
	}
	sess := session.Must(session.NewSession(aws.NewConfig().WithRegion(cfg.AWSRegion)))
	return queue.NewSQS(sqs.New(sess), cfg.SQSQueueURL)
}

func buildBlobs(cfg *config.Config) (objstore.Store, error) {
	if cfg.S3Bucket == "" {
		return objstore.NewLocal(filepath.Join(cfg.LocalDir, "audio"))
	}
	sess := session.Must(session.NewSession(aws.NewConfig().WithRegion(cfg.AWSRegion)))
	return objstore.NewS3(sess, cfg.S3Bucket, cfg.S3Prefix), nil
}

func buildTranscriber(cfg *config.Config) *transcriber.Client {
	tc := transcriber.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	tc.PollInterval = cfg.PollInterval()
	tc.MaxWait = cfg.PollTimeout()
	return tc
}

func buildAuth(cfg *config.Config) auth.Authenticator {
	tokens := make(map[string]auth.Identity, len(cfg.AuthTokens))
	for token, t := range cfg.AuthTokens {
		tokens[token] = auth.Identity{UserID: t.UserID, Superuser: t.Superuser}
	}
	return auth.NewTokenAuthenticator(tokens)
}

func startWorkers(store storage.Storage, q queue.Queue, cfg *config.Config, count int, log *slog.Logger) []*worker.Worker {
	wcfg := &worker.Config{MaxAttempts: cfg.MaxAttempts, RetryBackoff: cfg.RetryBackoff()}
	tc := buildTranscriber(cfg)
	workers := make([]*worker.Worker, 0, count)
	for i := 0; i < count; i++ {
		w := worker.NewWorker(i+1, store, q, tc, wcfg, log)
		w.Start()
		workers = append(workers, w)
	}
	return workers
}

func serveCmd(store storage.Storage, cfg *config.Config, log *slog.Logger) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", cfg.ListenAddr, "Listen address")
	fs.Parse(os.Args[2:])

	q := buildQueue(cfg)
	blobs, err := buildBlobs(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init object store:", err)
		os.Exit(2)
	}

	// With the in-process queue there is no separate worker fleet, so the
	// executors run inside the serving process.
	var workers []*worker.Worker
	if cfg.SQSQueueURL == "" {
		workers = startWorkers(store, q, cfg, cfg.WorkerCount, log)
	}

	srv := &http.Server{
		Addr:    *addr,
		Handler: api.NewServer(store, q, blobs, buildAuth(cfg), log).Handler(),
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("signal received; shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info("serving", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
	for _, w := range workers {
		w.Stop()
	}
}

func workerCmd(store storage.Storage, cfg *config.Config, log *slog.Logger) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	count := fs.Int("count", cfg.WorkerCount, "Number of workers to start")
	duration := fs.Int("duration", 0, "Run workers for N seconds then stop (0 = run until SIGINT)")
	fs.Parse(os.Args[2:])

	q := buildQueue(cfg)
	workers := startWorkers(store, q, cfg, *count, log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		log.Info("running workers", "count", *count, "seconds", *duration)
		select {
		case <-time.After(time.Duration(*duration) * time.Second):
			log.Info("duration elapsed; shutting down workers")
		case <-sigs:
			log.Info("signal received; shutting down workers")
		}
	} else {
		log.Info("running workers until interrupted", "count", *count)
		<-sigs
		log.Info("signal received; shutting down workers")
	}

	for _, w := range workers {
		w.Stop()
	}
}

func sweepCmd(store storage.Storage, cfg *config.Config, log *slog.Logger) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	staleAfter := fs.Duration("stale-after", 30*time.Minute, "Re-claim processing jobs untouched for this long")
	pendingAfter := fs.Duration("pending-after", 10*time.Minute, "Requeue pending jobs older than this")
	fs.Parse(os.Args[2:])

	q := buildQueue(cfg)
	res, err := worker.Sweep(context.Background(), store, q, *staleAfter, *pendingAfter, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweep error:", err)
		os.Exit(1)
	}
	fmt.Printf("released %d stale claims, requeued %d pending jobs\n", res.Released, res.Requeued)
}

func configCmd(cfg *config.Config) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "config set key value | config get")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "set":
		if len(os.Args) < 5 {
			fmt.Fprintln(os.Stderr, "usage: config set <key> <value>")
			os.Exit(1)
		}
		key := os.Args[3]
		val := os.Args[4]
		switch key {
		case "db-path":
			cfg.DBPath = val
		case "listen-addr":
			cfg.ListenAddr = val
		case "worker-count":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WorkerCount = v
			}
		case "max-attempts":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxAttempts = v
			}
		case "retry-backoff-secs":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetryBackoffSecs = v
			}
		case "provider-base-url":
			cfg.ProviderBaseURL = val
		case "provider-api-key":
			cfg.ProviderAPIKey = val
		case "s3-bucket":
			cfg.S3Bucket = val
		case "sqs-queue-url":
			cfg.SQSQueueURL = val
		case "aws-region":
			cfg.AWSRegion = val
		default:
			fmt.Fprintln(os.Stderr, "unknown config key", key)
			os.Exit(1)
		}
		if err := cfg.Save(configPath); err != nil {
			fmt.Fprintln(os.Stderr, "failed to save config:", err)
			os.Exit(1)
		}
		fmt.Println("config saved")
	case "get":
		b, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(b))
	default:
		fmt.Fprintln(os.Stderr, "unknown config command", os.Args[2])
		os.Exit(1)
	}
}
