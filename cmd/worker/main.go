package main

import (
	"context"
	"log"

	"pointmesh/internal/dispatch"
	"pointmesh/internal/env"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/storage"
	"pointmesh/internal/store/postgres"
	"pointmesh/internal/supervise"
	"pointmesh/pkg/graceful"
	"pointmesh/pkg/kafkaclient"
)

func main() {
	// Load environment variables from a .env file.
	// This is typically used in a development environment.
	env.LoadEnv()
	ctx, cancel := graceful.Context(context.Background())
	defer cancel()

	cfg, err := env.FromEnv()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.RequireDistributed(); err != nil {
		log.Fatal(err)
	}

	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	defer store.Close()

	s3Service, err := storage.NewS3Service(storage.S3Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.MeshBucket,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := s3Service.EnsureBucket(ctx); err != nil {
		log.Fatalf("Failed to prepare bucket %s: %v", cfg.MeshBucket, err)
	}

	log.Printf("Connecting to Kafka broker: %s on topic: %s with group ID: %s", cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID)
	consumer, err := kafkaclient.NewKafkaConsumer(kafkaclient.ConsumerConfig{
		Broker:  cfg.KafkaBroker,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	})
	if err != nil {
		log.Fatalf("Failed to create kafka consumer %v", err)
	}

	limits := supervise.Limits{Soft: cfg.JobSoftTimeout, Hard: cfg.JobHardTimeout}
	orch := pipeline.NewOrchestrator(store, pipeline.DefaultRegistry(storage.NewArtifacts(s3Service)))
	worker := dispatch.NewWorker(store, orch, consumer.NewIterator(), dispatch.WorkerConfig{
		Concurrency:  cfg.WorkerConcurrency,
		CancelPoll:   cfg.CancelPollInterval,
		Limits:       limits,
		DrainTimeout: cfg.DrainTimeout,
	})
	sweeper := &dispatch.Sweeper{
		Store:        store,
		HardLimit:    cfg.JobHardTimeout,
		QueueTimeout: cfg.QueueTimeout,
		Interval:     cfg.SweepInterval,
	}

	consumer.StartConsuming(ctx)
	go sweeper.Run(ctx)

	log.Printf("Worker started with %d slots (soft %s, hard %s)", cfg.WorkerConcurrency, limits.Soft, limits.Hard)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("Worker stopped: %v", err)
	}

	consumer.Stop()
	log.Println("Main method finished, application exiting.")
}
