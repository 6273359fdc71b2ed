// Command zprocd runs the state server: the single process that owns
// the shared key-value state and serves GET/SET/ATOMIC/SUBSCRIBE
// requests over a Unix domain socket to every worker in a cooperating
// group.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/gitter-badger/zproc/internal/config"
	"github.com/gitter-badger/zproc/internal/stateserver"
	"github.com/gitter-badger/zproc/internal/transport"
	"github.com/gitter-badger/zproc/internal/webwatch"
)

var (
	configPath string
	socketPath string
	webAddr    string
)

func main() {
	root := &cobra.Command{
		Use:   "zprocd",
		Short: "zprocd runs the shared state server for a group of zproc workers",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML daemon config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the state server and block until terminated",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path (default: derived from pid)")
	serveCmd.Flags().StringVar(&webAddr, "web-listen", "", "optional HTTP address serving /ws for browser observers")

	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}

	var mirror transport.Mirror
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("zprocd: connect to nats: %w", err)
		}
		defer nc.Close()
		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("zprocd: jetstream context: %w", err)
		}
		subject := cfg.NATS.Subject
		if subject == "" {
			subject = transport.SubjectForPID(os.Getpid())
		}
		mirror = transport.NewNATSMirror(js, subject)
		log.Printf("zprocd: mirroring change records to nats subject %q", subject)
	}

	srv := stateserver.New(stateserver.Options{
		SocketPath:     cfg.SocketPath,
		MaxConns:       cfg.MaxConns,
		RequestTimeout: cfg.RequestTimeout,
		MutationBuffer: cfg.MutationBuffer,
		Mirror:         mirror,
	})

	if webAddr != "" {
		go serveWebWatch(srv, webAddr)
	}

	log.Printf("zprocd: listening on %s", srv.SocketPath())
	return srv.Start()
}

func serveWebWatch(srv *stateserver.Server, addr string) {
	<-srv.WaitReady()
	mux := http.NewServeMux()
	mux.Handle("/ws", webwatch.NewHandler(srv.Publisher()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(srv.Metrics().Snapshot())
	})
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("zprocd: web watch listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("zprocd: web watch server exited: %v", err)
	}
}
