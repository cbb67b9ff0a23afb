package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/ironkeep/api"
	"github.com/jmcleod/ironkeep/internal/util"
	"github.com/jmcleod/ironkeep/notify"
)

const (
	custodySweepInterval = time.Hour
	shutdownGrace        = 10 * time.Second
)

// serverFlags override config values only when set on the command line.
var serverFlags struct {
	port    int
	dataDir string
	tlsCert string
	tlsKey  string
	backend string
	token   string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the record and custody server",
	RunE:  runServer,
}

func runServer(cmd *cobra.Command, _ []string) error {
	applyServerFlags(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	g, ctx := errgroup.WithContext(ctx)
	opts, err := apiOptions(ctx, g, b)
	if err != nil {
		return err
	}
	a := api.New(b.repo, opts...)
	defer a.Shutdown()
	g.Go(func() error { a.Run(ctx); return nil })

	tlsConfig, err := serverTLS()
	if err != nil {
		return err
	}
	r := chi.NewRouter()
	r.Use(middleware.Logger, middleware.Recoverer)
	r.Mount("/api/v1", a.Router())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
	g.Go(func() error {
		if err := srv.ListenAndServeTLS("", ""); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	printBanner()
	log.Info("server started", "port", cfg.Server.Port, "backend", cfg.Storage.Backend, "custody", cfg.Custody.Enabled)
	return g.Wait()
}

// apiOptions assembles the API from config. Background loops it starts run
// in g and stop with ctx.
func apiOptions(ctx context.Context, g *errgroup.Group, b *backend) ([]api.Option, error) {
	proxies, err := cfg.TrustedProxies()
	if err != nil {
		return nil, err
	}
	if cfg.Server.Token == "" {
		log.Warn("no server token configured; the API is unauthenticated")
	}
	opts := []api.Option{
		api.WithLogger(log.Logger),
		api.WithToken(cfg.Server.Token),
		api.WithTrustedProxies(proxies),
		api.WithAlertFunc(func(evt api.AlertEvent) {
			log.Warn("security alert", "type", evt.Type, "message", evt.Message, "count", evt.Count, "threshold", evt.Threshold)
		}),
	}
	if url := cfg.Server.AuditWebhookURL; url != "" {
		wh, err := notify.NewWebhook(url,
			notify.WithWebhookLogger(log.Logger),
			notify.WithAuthHeader(cfg.Server.AuditWebhookAuth))
		if err != nil {
			return nil, fmt.Errorf("audit webhook: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			wh.Close()
			return nil
		})
		opts = append(opts, api.WithAuditSink(wh))
	}
	if cfg.Custody.Enabled {
		svc, err := newCustodyService(ctx, b.repo)
		if err != nil {
			return nil, err
		}
		g.Go(func() error { svc.Run(ctx, custodySweepInterval); return nil })
		opts = append(opts, api.WithCustody(svc))
	}
	return opts, nil
}

func applyServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	if f.Changed("port") {
		cfg.Server.Port = serverFlags.port
	}
	set("data-dir", &cfg.Storage.DataDir, serverFlags.dataDir)
	set("tls-cert", &cfg.Server.TLSCert, serverFlags.tlsCert)
	set("tls-key", &cfg.Server.TLSKey, serverFlags.tlsKey)
	set("backend", &cfg.Storage.Backend, serverFlags.backend)
	set("token", &cfg.Server.Token, serverFlags.token)
}

// serverTLS loads the configured key pair, or mints a self-signed one.
func serverTLS() (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if cfg.Server.TLSCert == "" {
		log.Warn("no TLS certificate configured; using a self-signed certificate")
		cert, err = util.GenerateSelfSignedCert()
	} else {
		cert, err = tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	}
	if err != nil {
		return nil, fmt.Errorf("tls certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&serverFlags.port, "port", "p", 8443, "Port to listen on")
	f.StringVar(&serverFlags.dataDir, "data-dir", "./data", "Directory for persistent data")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&serverFlags.backend, "backend", "bbolt", "Storage backend (bbolt, postgres, memory)")
	f.StringVar(&serverFlags.token, "token", "", "Bearer token required by the API")
}
