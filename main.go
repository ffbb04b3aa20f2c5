package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/clipcast/ingest-api/admission"
	"github.com/clipcast/ingest-api/api"
	"github.com/clipcast/ingest-api/clients"
	"github.com/clipcast/ingest-api/config"
	"github.com/clipcast/ingest-api/handlers"
	"github.com/clipcast/ingest-api/metrics"
	"github.com/clipcast/ingest-api/pipeline"
	"github.com/clipcast/ingest-api/pprof"
)

func main() {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		glog.Fatal(err)
	}
	vFlag := flag.Lookup("v")
	fs := flag.NewFlagSet("ingest-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	fs.StringVar(&cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for external-facing HTTP handling")
	fs.IntVar(&cli.PromPort, "prom-port", 2112, "Prometheus metrics listen port")
	fs.IntVar(&cli.PprofPort, "pprof-port", 6061, "Pprof listen port")

	// ingestion parameters
	fs.StringVar(&cli.RecordingDir, "recording-dir", "/var/recordings", "Directory where the RTMP recorder drops files and where upload scratch lives")
	fs.IntVar(&cli.SegmentDurationSecs, "segment-duration", 6, "HLS segment duration in seconds")
	fs.Int64Var(&cli.MaxUploadBytes, "max-upload-bytes", 2<<30, "Maximum accepted upload size in bytes")

	// blob store and CDN
	fs.StringVar(&cli.S3Bucket, "s3-bucket", "", "S3 bucket that receives HLS output and thumbnails")
	fs.StringVar(&cli.AWSRegion, "aws-region", "us-east-1", "AWS region for S3, DynamoDB and SQS")
	fs.StringVar(&cli.AWSEndpoint, "aws-endpoint", "", "Custom AWS endpoint, for local stacks")
	fs.StringVar(&cli.AWSAccessKeyID, "aws-access-key-id", "", "AWS access key id; instance credentials are used when empty")
	fs.StringVar(&cli.AWSSecretAccessKey, "aws-secret-access-key", "", "AWS secret access key")
	config.URLVarFlag(fs, &cli.CDNBaseURL, "cdn-base-url", "", "Public CDN base URL fronting the S3 bucket")

	// outbound queue
	fs.StringVar(&cli.QueueURL, "queue-url", "", "SQS queue URL for stream lifecycle and completion messages")

	// catalog tables
	fs.StringVar(&cli.CatalogTable, "catalog-table", "catalog", "DynamoDB table holding catalog and episode entries")
	fs.StringVar(&cli.StreamKeysTable, "stream-keys-table", "stream_keys", "DynamoDB table mapping stream keys to owners")
	fs.StringVar(&cli.ChannelsTable, "channels-table", "channels", "DynamoDB table with channel metadata")
	fs.StringVar(&cli.UploadMetadataTable, "upload-metadata-table", "upload_metadata", "DynamoDB table for transient per-upload metadata")
	fs.StringVar(&cli.AccountsTable, "accounts-table", "accounts", "DynamoDB table with account records")

	// platform identity
	fs.StringVar(&cli.MasterAccountID, "master-account", "", "Account id under which all assets of this service are filed")
	fs.StringVar(&cli.DefaultThumbnailURL, "default-thumbnail-url", "", "Placeholder thumbnail URL used when generation fails")
	fs.StringVar(&cli.AdminEmail, "admin-email", "", "Email allowed to use the episode admin API")

	// episode post-pass
	config.URLVarFlag(fs, &cli.TranscriptionURL, "transcription-url", "", "Transcription API endpoint; episode pass is disabled when empty")
	fs.StringVar(&cli.TranscriptionAPIKey, "transcription-api-key", "", "Transcription API key")
	config.URLVarFlag(fs, &cli.LLMURL, "llm-url", "", "LLM chat completion endpoint; episode pass is disabled when empty")
	fs.StringVar(&cli.LLMAPIKey, "llm-api-key", "", "LLM API key")
	fs.StringVar(&cli.LLMModel, "llm-model", "", "LLM model identifier")

	fs.StringVar(&cli.MetricsDBConnectionString, "metrics-db-connection-string", "", "Connection string to use for the stats Postgres DB. Takes the form: host=X port=X user=X password=X dbname=X")

	verbosity := fs.String("v", "", "Log verbosity.  {4|5|6}")
	_ = fs.String("config", "", "config file (optional)")

	err = ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("CLIPCAST"),
	)
	if err != nil {
		glog.Fatalf("error parsing cli: %s", err)
	}
	if len(fs.Args()) > 0 {
		glog.Fatalf("unexpected extra arguments on command line: %v", fs.Args())
	}
	err = flag.CommandLine.Parse(nil)
	if err != nil {
		glog.Fatal(err)
	}

	if *version {
		fmt.Printf("ingest-api version: %s", config.Version)
		return
	}

	go func() {
		stdlog.Println(pprof.ListenAndServe(cli.PprofPort))
	}()

	if *verbosity != "" {
		err = vFlag.Value.Set(*verbosity)
		if err != nil {
			glog.Fatal(err)
		}
	}

	sess, err := clients.NewAWSSession(cli)
	if err != nil {
		glog.Fatalf("Error creating AWS session: %v", err)
	}
	blob, err := clients.NewS3Blob(cli)
	if err != nil {
		glog.Fatalf("Error creating blob store client: %v", err)
	}
	catalog := clients.NewCatalogStore(cli, sess, blob)

	var queue clients.QueuePublisher = clients.NullPublisher{}
	if cli.QueueURL != "" {
		queue = clients.NewSQSPublisher(sess, cli.QueueURL)
	} else {
		glog.Info("Queue URL was not set, stream lifecycle messages are disabled.")
	}

	var episodes *pipeline.EpisodeRunner
	if cli.EpisodesEnabled() {
		transcription := clients.NewTranscriptionClient(cli.TranscriptionURL, cli.TranscriptionAPIKey)
		llm := clients.NewLLMClient(cli.LLMURL, cli.LLMAPIKey, cli.LLMModel)
		episodes = pipeline.NewEpisodeRunner(cli, transcription, llm, blob, catalog)
	} else {
		glog.Info("Transcription or LLM endpoint was not set, the episode pass is disabled.")
	}

	// Emit high-cardinality per-upload stats to a Postgres database if configured
	stats, err := pipeline.NewStatsSink(cli.MetricsDBConnectionString)
	if err != nil {
		glog.Fatalf("Error creating postgres stats connection: %v", err)
	}

	adm := admission.NewController()
	coordinator := pipeline.NewCoordinator(cli, blob, catalog, queue, adm, episodes, stats)
	ingestHandlers := handlers.NewIngestHandlersCollection(cli, coordinator, queue, catalog)

	// A crashed run can leave half-transcoded scratch behind in the recording dir
	pipeline.CleanUpStaleScratch(cli.RecordingDir, 6*time.Hour)

	// Initialize root context; cancelling this prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, cli, ingestHandlers)
	})

	group.Go(func() error {
		return metrics.ListenAndServe(cli.PromPort)
	})

	err = group.Wait()
	coordinator.WaitForBackground()
	glog.Infof("Shutdown complete. Reason for shutdown: %s", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			glog.Errorf("caught signal=%v, attempting clean shutdown", s)
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}
