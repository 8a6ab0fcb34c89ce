package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/highlight-pipeline/orchestrator/api"
	"github.com/highlight-pipeline/orchestrator/blob"
	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/highlight-pipeline/orchestrator/crypto"
	"github.com/highlight-pipeline/orchestrator/handlers"
	"github.com/highlight-pipeline/orchestrator/job"
	"github.com/highlight-pipeline/orchestrator/log"
	"github.com/highlight-pipeline/orchestrator/media"
	"github.com/highlight-pipeline/orchestrator/metrics"
	"github.com/highlight-pipeline/orchestrator/pipeline"
	"github.com/highlight-pipeline/orchestrator/pprof"
	"github.com/highlight-pipeline/orchestrator/progress"
	"github.com/highlight-pipeline/orchestrator/store"
)

func main() {
	if err := flag.Set("logtostderr", "true"); err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")

	fs := flag.NewFlagSet("highlight-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind the public HTTP API to")
	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection string for the Artifact Store")
	fs.StringVar(&cli.PrivateBucketURL, "private-bucket-url", "", "Base object store URL the Blob Gateway operates under")
	fs.StringVar(&cli.SpeechEndpoint, "speech-endpoint", config.DefaultSpeechEndpoint, "Model Gateway speech-to-text endpoint")
	fs.StringVar(&cli.VisionEndpoint, "vision-endpoint", config.DefaultVisionEndpoint, "Model Gateway vision endpoint")
	fs.StringVar(&cli.LanguageEndpoint, "language-endpoint", config.DefaultLanguageEndpoint, "Model Gateway language endpoint")
	fs.StringVar(&cli.LanguageModel, "language-model", config.DefaultLanguageModel, "Model Gateway language model name")
	fs.StringVar(&cli.CredentialPrivateKeyBase64, "credential-private-key", "", "Base64-encoded RSA private key used to decrypt principal model credentials")
	fs.StringVar(&cli.MediaToolDir, "media-tool-dir", config.PathMediaToolDir, "Directory containing the ffmpeg/ffprobe binaries the Media Toolkit shells out to")
	fs.IntVar(&cli.CompileMaxWorkers, "compile-max-workers", config.DefaultCompileMaxWorkers, "Maximum parallel CompileClips workers per job")
	fs.IntVar(&cli.PromPort, "prom-port", 9090, "Prometheus metrics listen port")
	fs.IntVar(&cli.PprofPort, "pprof-port", 6061, "Pprof listen port")

	verbosity := fs.String("v", "", "Log verbosity. {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("HIGHLIGHT_API"),
	); err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}

	if *version {
		fmt.Printf("highlight-api version: %s", config.Version)
		return
	}

	if *verbosity != "" {
		if err := vFlag.Value.Set(*verbosity); err != nil {
			glog.Fatal(err)
		}
	}

	if cli.MediaToolDir != "" {
		config.PathMediaToolDir = cli.MediaToolDir
	}

	cfg := config.Default()
	cfg.CompileMaxWorkers = cli.CompileMaxWorkers
	cfg.SpeechEndpoint = cli.SpeechEndpoint
	cfg.VisionEndpoint = cli.VisionEndpoint
	cfg.LanguageEndpoint = cli.LanguageEndpoint
	cfg.LanguageModel = cli.LanguageModel

	st, err := store.Open(cli.DatabaseURL)
	if err != nil {
		glog.Fatalf("error opening artifact store: %s", err)
	}

	blobGW, err := blob.NewGateway(cli.PrivateBucketURL)
	if err != nil {
		glog.Fatalf("error constructing blob gateway: %s", err)
	}

	if cli.CredentialPrivateKeyBase64 == "" {
		glog.Fatalf("-credential-private-key is required")
	}
	privateKey, err := crypto.LoadPrivateKey(cli.CredentialPrivateKeyBase64)
	if err != nil {
		glog.Fatalf("error loading credential private key: %s", err)
	}

	mediaTK := media.NewToolkit()
	bus := progress.NewBus()
	coordinator := pipeline.NewCoordinator()
	jobs := job.NewController(st, blobGW, mediaTK, bus, coordinator, privateKey, cfg, nil)
	h := handlers.New(jobs, st, bus, blobGW)

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return metrics.ListenAndServe(cli.PromPort)
	})
	group.Go(func() error {
		return pprof.ListenAndServe(cli.PprofPort)
	})
	group.Go(func() error {
		return api.ListenAndServe(ctx, cli, h, cfg)
	})
	group.Go(func() error {
		return handleSignals(ctx)
	})

	log.LogNoRequestID("highlight-api starting", "version", config.Version, "http_addr", cli.HTTPAddress)

	if err := group.Wait(); err != nil {
		glog.Infof("shutdown complete, reason: %s", err)
	}
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	select {
	case s := <-c:
		return fmt.Errorf("caught signal=%v", s)
	case <-ctx.Done():
		return nil
	}
}
