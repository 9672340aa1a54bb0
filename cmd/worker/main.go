package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/helixion/biomarker-worker/go/blobs"
	"github.com/helixion/biomarker-worker/go/config"
	"github.com/helixion/biomarker-worker/go/consumer"
	"github.com/helixion/biomarker-worker/go/model"
	"github.com/helixion/biomarker-worker/go/predict"
	"github.com/helixion/biomarker-worker/go/server"
	"github.com/helixion/biomarker-worker/go/store"
)

// Config is the top-level configuration object of the worker.
var Config = new(config.Settings)

type cmdServe struct{}

// Execute runs the worker: the queue consumer and the HTTP facade as two
// independent tasks sharing one database pool and one model cache,
// coordinating only through durable state.
func (cmdServe) Execute(_ []string) error {
	config.InitLog(Config.Log)
	must(Config.Validate(), "validating configuration")

	log.WithFields(log.Fields{
		"port":         Config.Port,
		"pollInterval": Config.PollInterval(),
		"region":       Config.AWSRegion,
		"bucket":       Config.S3Bucket,
	}).Info("worker configuration")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, Config.DatabaseURL)
	must(err, "connecting to database")
	defer st.Close()

	fetcher, err := blobs.NewS3Fetcher(ctx, Config)
	must(err, "building S3 fetcher")

	queue, err := consumer.NewRedisQueue(ctx, Config)
	must(err, "connecting to redis")
	defer queue.Close()

	var cache = model.NewCache(fetcher)
	var runner = consumer.NewRunner(st, fetcher)
	var poller = consumer.New(queue, runner, Config.PollInterval())
	var facade = predict.New(st, cache)
	var srv = server.New(st, facade, poller, Config)

	var consumerDone = make(chan error, 1)
	go func() { consumerDone <- poller.Run(ctx) }()

	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", Config.Port),
		Handler: srv.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	var httpDone = make(chan error, 1)
	go func() { httpDone <- httpServer.ListenAndServe() }()

	log.WithField("addr", httpServer.Addr).Info("worker started")

	var consumerExited bool
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err = <-httpDone:
		log.WithError(err).Error("http server exited")
		cancel()
	case err = <-consumerDone:
		if err != nil && err != context.Canceled {
			log.WithError(err).Error("consumer exited")
		}
		consumerExited = true
		cancel()
	}

	var shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown failed")
	}
	if !consumerExited {
		<-consumerDone
	}

	log.Info("worker stopped")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	_, _ = parser.AddCommand("serve", "Serve the worker",
		`Serve the queue consumer and the synchronous inference API.`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}

// must logs and exits on a fatal startup error.
func must(err error, message string) {
	if err != nil {
		log.WithError(err).Fatal(message)
	}
}
