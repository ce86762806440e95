// Command federator-producer serves the producer side of the wire
// protocol: it ingests events from a local topic log and streams a
// filtered, authorised subset to peer consumers.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/estuary/federator/internal/cache"
	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/dispatcher"
	"github.com/estuary/federator/internal/eventsource"
	"github.com/estuary/federator/internal/filestore"
	"github.com/estuary/federator/internal/filestreamer"
	"github.com/estuary/federator/internal/metrics"
	"github.com/estuary/federator/internal/policyclient"
	"github.com/estuary/federator/internal/token"
	"github.com/estuary/federator/internal/wire"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

type cmdServe struct {
	Config     string `long:"config" required:"true" description:"Path to the producer's YAML configuration file"`
	MetricsAddr string `long:"metrics-address" default:":9091" description:"Address to serve /metrics on"`
	EventLogDir string `long:"event-log-dir" default:"./federator-events" description:"Directory of per-topic newline-delimited JSON event logs"`
}

func (cmd *cmdServe) Execute(_ []string) error {
	var cfg, err = config.Load(cmd.Config)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.WithField("nodeID", cfg.NodeID).Info("starting federator-producer")

	var tokens, tokenErr = token.New(cfg.ClientIDP)
	if tokenErr != nil {
		return fmt.Errorf("building token client: %w", tokenErr)
	}
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	if err := tokens.StartRefresher(ctx); err != nil {
		return fmt.Errorf("starting token refresher: %w", err)
	}
	defer tokens.Stop()

	var policy = policyclient.New(cfg.PolicyServiceURL, tokens, cfg.ReloadInterval)
	var snapshots = cache.New(1024, cfg.ReloadInterval*2)

	if err := reloadProducerSnapshot(ctx, policy, snapshots, cfg.NodeID); err != nil {
		return fmt.Errorf("initial producer configuration fetch: %w", err)
	}
	go runReloadLoop(ctx, policy, snapshots, cfg.NodeID, cfg.ReloadInterval)

	var store, storeErr = buildFilestore(cfg)
	if storeErr != nil {
		return fmt.Errorf("building file store: %w", storeErr)
	}

	var source = eventsource.NewFileLog(cmd.EventLogDir)

	var d = &dispatcher.Dispatcher{
		Source:        source,
		Snapshots:     snapshots,
		NodeID:        cfg.NodeID,
		IdleTimeout:   cfg.Client.IdleTimeout,
		SharedHeaders: cfg.Shared.Headers,
		ShareAll:      cfg.Filter.ShareAll,
		Files: &filestreamer.Streamer{
			Resolver:  &filestreamer.EventSourceResolver{Source: source},
			Store:     store,
			ChunkSize: cfg.File.StreamChunkSize,
		},
	}

	var grpcServer, tlsErr = buildGRPCServer(cfg, tokens, snapshots)
	if tlsErr != nil {
		return fmt.Errorf("building grpc server: %w", tlsErr)
	}
	wire.RegisterFederatorServer(grpcServer, d)

	var lis, listenErr = net.Listen("tcp", cfg.Server.ListenAddress)
	if listenErr != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.ListenAddress, listenErr)
	}

	go serveMetrics(cmd.MetricsAddr)

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	// The signal wait and the serving loop are coordinated through one
	// errgroup so GracefulStop runs exactly once, whether triggered by a
	// caught signal or by Serve returning on its own.
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal, stopping server")
		case <-groupCtx.Done():
		}
		grpcServer.GracefulStop()
		return nil
	})
	group.Go(func() error {
		log.WithField("address", cfg.Server.ListenAddress).Info("federator-producer listening")
		return grpcServer.Serve(lis)
	})
	return group.Wait()
}

func reloadProducerSnapshot(ctx context.Context, policy *policyclient.Client, snapshots *cache.Cache, nodeID string) error {
	var snap, err = policy.GetProducerConfig(ctx, nodeID)
	if err != nil {
		return err
	}
	snapshots.Put(cache.Producer, nodeID, snap)
	return nil
}

func runReloadLoop(ctx context.Context, policy *policyclient.Client, snapshots *cache.Cache, nodeID string, interval time.Duration) {
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reloadProducerSnapshot(ctx, policy, snapshots, nodeID); err != nil {
				metrics.ReloadFailures.Inc()
				log.WithField("error", err).Warn("producer configuration reload failed, retaining previous snapshot")
			}
		}
	}
}

func buildFilestore(cfg config.Config) (*filestore.Resolver, error) {
	var r = &filestore.Resolver{Local: &filestore.LocalProvider{Root: cfg.FilesTempDir()}}
	return r, nil
}

func buildGRPCServer(cfg config.Config, verifier *token.Client, snapshots *cache.Cache) (*grpc.Server, error) {
	var creds, err = serverTLSCredentials(cfg.Server)
	if err != nil {
		return nil, err
	}

	var chain = dispatcher.ChainStreamInterceptors(
		grpc_prometheus.StreamServerInterceptor,
		dispatcher.AuthInterceptor(verifier),
		dispatcher.AuthorisationInterceptor(snapshots, cfg.NodeID, token.ExtractClientID),
		dispatcher.TimeoutInterceptor(30*time.Second),
	)

	var server = grpc.NewServer(
		grpc.Creds(creds),
		grpc.StreamInterceptor(chain),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Client.KeepAliveTime,
			Timeout: cfg.Client.KeepAliveTimeout,
		}),
	)
	grpc_prometheus.Register(server)
	return server, nil
}

func serverTLSCredentials(cfg config.ServerConfig) (credentials.TransportCredentials, error) {
	var cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	var tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	if cfg.ClientCAFile != "" {
		var pool = x509.NewCertPool()
		var pem, readErr = os.ReadFile(cfg.ClientCAFile)
		if readErr != nil {
			return nil, fmt.Errorf("reading client CA file: %w", readErr)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.ClientCAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(tlsConfig), nil
}

func serveMetrics(addr string) error {
	var mux = promhttp.Handler()
	log.WithField("address", addr).Info("serving /metrics")
	if err := serveHTTP(addr, mux); err != nil {
		log.WithField("error", err).Warn("metrics server stopped")
		return err
	}
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.Default)
	if _, err := parser.AddCommand("serve", "Serve as a federator producer", `
Serve the producer side of the federator wire protocol until signaled to
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

func serveHTTP(addr string, handler http.Handler) error {
	return http.ListenAndServe(addr, handler)
}
