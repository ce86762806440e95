// Command federator-consumer serves the consumer side of the wire
// protocol: it maintains one StreamJob per subscribed peer/topic,
// pulling batches into the local bus and files into the configured
// destination store.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/clientworker"
	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/cursorstore"
	"github.com/estuary/federator/internal/fileassembler"
	"github.com/estuary/federator/internal/filestore"
	"github.com/estuary/federator/internal/localpublish"
	"github.com/estuary/federator/internal/policyclient"
	"github.com/estuary/federator/internal/resilience"
	"github.com/estuary/federator/internal/scheduler"
	"github.com/estuary/federator/internal/token"
	"github.com/estuary/federator/internal/wire"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

type cmdServe struct {
	Config      string `long:"config" required:"true" description:"Path to the consumer's YAML configuration file"`
	MetricsAddr string `long:"metrics-address" default:":9092" description:"Address to serve /metrics on"`
}

func (cmd *cmdServe) Execute(_ []string) error {
	var cfg, err = config.Load(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.WithField("nodeID", cfg.NodeID).Info("starting federator-consumer")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var tokens, tokenErr = token.New(cfg.ClientIDP)
	if tokenErr != nil {
		return fmt.Errorf("building token client: %w", tokenErr)
	}
	if err := tokens.StartRefresher(ctx); err != nil {
		return fmt.Errorf("starting token refresher: %w", err)
	}
	defer tokens.Stop()

	var cursors, cursorErr = buildCursorStore(cfg.Client)
	if cursorErr != nil {
		return fmt.Errorf("building cursor store: %w", cursorErr)
	}
	defer cursors.Close()

	var destination, destErr = buildFilestore(cfg)
	if destErr != nil {
		return fmt.Errorf("building destination file store: %w", destErr)
	}
	var assembler = fileassembler.New(cfg.FilesTempDir(), destination, func(fileName string) filestore.SourceRef {
		return filestore.SourceRef{Kind: filestore.SourceKind(strings.ToUpper(cfg.Client.FilesStorageProvider)), Path: fileName}
	})

	var policy = policyclient.New(cfg.PolicyServiceURL, tokens, cfg.ReloadInterval)
	var snapshots = cache.New(1024, cfg.ReloadInterval*2)
	var publisher = localpublish.LogPublisher{}

	var peerCreds, credErr = clientTLSCredentials(cfg)
	if credErr != nil {
		return fmt.Errorf("building peer transport credentials: %w", credErr)
	}

	var runner scheduler.Runner = func(ctx context.Context, key scheduler.JobKey, params scheduler.JobParams) error {
		return runStreamJob(ctx, key, params, tokens, cursors, assembler, publisher, peerCreds, cfg)
	}

	var defaults = scheduler.JobParams{
		Schedule:      "@every 1m",
		RunOnRegister: true,
	}
	var sched = scheduler.New(cfg.NodeID, policy, snapshots, runner, defaults)
	if err := sched.Reload(ctx); err != nil {
		return fmt.Errorf("initial scheduler reload: %w", err)
	}
	sched.Start()
	go serveMetrics(cmd.MetricsAddr)

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	// RunLoop and the signal wait are coordinated through one errgroup so
	// that a caught signal cancels the reload loop's context promptly,
	// mirroring the producer's shutdown coordination.
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { sched.RunLoop(groupCtx, cfg.ReloadInterval); return nil })
	group.Go(func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal, stopping scheduler")
			cancel()
		case <-groupCtx.Done():
		}
		return nil
	})
	_ = group.Wait()

	var stopCtx, stopCancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sched.Stop(stopCtx)
	return nil
}

// runStreamJob dials the peer once and runs its topic worker and then,
// when a files storage provider is configured, its file worker, each to
// completion or failure.
func runStreamJob(ctx context.Context, key scheduler.JobKey, params scheduler.JobParams, tokens *token.Client, cursors cursorstore.Store, assembler *fileassembler.Assembler, publisher localpublish.LogPublisher, peerCreds credentials.TransportCredentials, cfg config.Config) error {
	var conn, err = grpc.NewClient(params.PeerEndpoint,
		grpc.WithTransportCredentials(peerCreds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.Client.KeepAliveTime,
			Timeout: cfg.Client.KeepAliveTimeout,
		}),
	)
	if err != nil {
		return fmt.Errorf("dialing peer %s: %w", params.PeerEndpoint, err)
	}
	defer conn.Close()

	var client = wire.NewFederatorClient(conn)

	var topicWorker = &clientworker.Worker{
		PeerID:      key.PeerID,
		Topic:       key.Topic,
		Client:      client,
		Tokens:      tokens,
		Cursors:     cursors,
		Publisher:   publisher,
		IdleTimeout: cfg.Client.IdleTimeout,
		Retry:       resilience.RetryPolicy{InitialWait: 500 * time.Millisecond, MaxBackoff: 60 * time.Second, MaxAttempts: params.RetryCount},
	}
	if err := topicWorker.Run(ctx); err != nil {
		return fmt.Errorf("topic worker for %s: %w", key, err)
	}

	if cfg.Client.FilesStorageProvider == "" {
		return nil
	}
	var fileWorker = &clientworker.FileWorker{
		PeerID:      key.PeerID,
		Topic:       key.Topic,
		Client:      client,
		Tokens:      tokens,
		Assembler:   assembler,
		IdleTimeout: cfg.Client.IdleTimeout,
		Retry:       resilience.RetryPolicy{InitialWait: 500 * time.Millisecond, MaxBackoff: 60 * time.Second, MaxAttempts: params.RetryCount},
	}
	if err := fileWorker.Run(ctx); err != nil {
		return fmt.Errorf("file worker for %s: %w", key, err)
	}
	return nil
}

func buildCursorStore(cfg config.ClientConfig) (cursorstore.Store, error) {
	switch strings.ToLower(cfg.CursorBackend) {
	case "", "etcd":
		var opts = cursorstore.EtcdOptions{Endpoints: cfg.CursorEndpoints}
		if cfg.CursorTLS {
			opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if cfg.CursorEncryptionKey != "" {
			var key, err = base64.StdEncoding.DecodeString(cfg.CursorEncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("decoding client.cursorEncryptionKey: %w", err)
			}
			opts.EncryptionKey = key
		}
		return cursorstore.NewEtcdStore(opts)
	case "sqlite":
		var path = cfg.CursorSQLitePath
		if path == "" {
			path = "federator-cursors.db"
		}
		return cursorstore.NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown client.cursorBackend %q", cfg.CursorBackend)
	}
}

func buildFilestore(cfg config.Config) (filestore.Provider, error) {
	var resolver = &filestore.Resolver{}
	switch strings.ToUpper(cfg.Client.FilesStorageProvider) {
	case "", "LOCAL":
		resolver.Local = &filestore.LocalProvider{Root: cfg.FilesTempDir()}
	case "S3":
		var p, err = filestore.NewS3Provider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"))
		if err != nil {
			return nil, err
		}
		resolver.S3 = p
	case "AZURE":
		var p, err = filestore.NewAzureProvider(os.Getenv("AZURE_SERVICE_URL"), os.Getenv("AZURE_ACCOUNT_NAME"), os.Getenv("AZURE_ACCOUNT_KEY"))
		if err != nil {
			return nil, err
		}
		resolver.Azure = p
	case "GCS":
		var p, err = filestore.NewGCSProvider(context.Background())
		if err != nil {
			return nil, err
		}
		resolver.GCS = p
	default:
		return nil, fmt.Errorf("unknown client.filesStorageProvider %q", cfg.Client.FilesStorageProvider)
	}
	return resolver, nil
}

func clientTLSCredentials(cfg config.Config) (credentials.TransportCredentials, error) {
	if !cfg.ClientIDP.MTLSEnabled {
		return insecure.NewCredentials(), nil
	}
	var pool = x509.NewCertPool()
	if cfg.ClientIDP.TruststorePath != "" {
		var pem, err = os.ReadFile(cfg.ClientIDP.TruststorePath)
		if err != nil {
			return nil, fmt.Errorf("reading truststore %s: %w", cfg.ClientIDP.TruststorePath, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.ClientIDP.TruststorePath)
		}
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}), nil
}

func serveMetrics(addr string) {
	log.WithField("address", addr).Info("serving /metrics")
	if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
		log.WithField("error", err).Warn("metrics server stopped")
	}
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	if _, err := parser.AddCommand("serve", "Serve as a federator consumer", `
Serve the consumer side of the federator wire protocol until signaled to
exit (via SIGTERM/SIGINT).
`, &cmdServe{}); err != nil {
		log.Fatal(err)
	}

	if _, err := parser.Parse(); err != nil {
		if _, ok := err.(*flags.Error); ok {
			os.Exit(1)
		}
		log.Fatal(err)
	}
}
