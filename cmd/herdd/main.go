package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"herd/cmd/herdd/ui"
	"herd/config"
	"herd/internal/adapter/presence"
	"herd/internal/adapter/sqlite"
	"herd/internal/httpapi"
	"herd/internal/logging"
	"herd/internal/mailbox"
	"herd/internal/registry"
	"herd/internal/scopes"
	"herd/internal/signal/ntp"
	"herd/internal/transport/grpcpeer"
	"herd/internal/watch"
)

func main() {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "herdd",
		Short: "Distributed process-group registry daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				return logging.Configure(logging.LevelDebug)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.Path()+")")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(statusCmd(&configPath))
	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	var node string
	var seeds []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the registry node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if node != "" {
				cfg.Node = node
			}
			if len(seeds) > 0 {
				cfg.Gossip.Seeds = append(cfg.Gossip.Seeds, seeds...)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				return err
			}
			return runDaemon(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "cluster-unique node name")
	cmd.Flags().StringSliceVar(&seeds, "join", nil, "gossip address of an existing member (repeatable)")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	log := logging.Component("herdd", "node", cfg.Node)

	cache, err := sqlite.Open(filepath.Join(cfg.DataDir, "peers.db"))
	if err != nil {
		return fmt.Errorf("open peer cache: %w", err)
	}
	defer func() { _ = cache.Close() }()

	peerPort, err := portOf(cfg.PeerAddr)
	if err != nil {
		return fmt.Errorf("peer-addr: %w", err)
	}

	tracker := presence.New(presence.Config{
		Node:     cfg.Node,
		BindAddr: cfg.Gossip.BindAddr,
		BindPort: cfg.Gossip.BindPort,
		PeerPort: peerPort,
		Seeds:    cfg.Gossip.Seeds,
		Cache:    cache,
	})
	if err := tracker.Start(); err != nil {
		return err
	}
	defer func() { _ = tracker.Stop() }()

	tasks := mailbox.NewRegistry(cfg.Node)
	broker := watch.NewBroker()
	transport := grpcpeer.New(cfg.Node, tracker)

	manager := scopes.New(scopes.Config{
		Node:   cfg.Node,
		Scopes: cfg.Scopes,
	}, transport, tracker, tasks, tasks, broker, registry.RealClock{})

	var checker *ntp.Checker
	if cfg.NTPCheck {
		checker = ntp.NewChecker(registry.RealClock{})
	}

	api := httpapi.NewServer(cfg.Node, manager, tasks, broker, checker)

	log.Info("starting", "scopes", strings.Join(cfg.Scopes, ","), "peer_addr", cfg.PeerAddr, "http_addr", cfg.HTTPAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.ListenAndServe(gctx, cfg.PeerAddr) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return api.ListenAndServe(gctx, cfg.HTTPAddr) })
	if checker != nil {
		g.Go(func() error { checker.Run(gctx); return nil })
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Info("shut down")
		return nil
	}
	return err
}

func statusCmd(configPath *string) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local node's scopes and peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			return printStatus(cmd.Context(), cfg.HTTPAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "addr", "", "daemon http address (default from config)")
	return cmd
}

type statusResponse struct {
	Node   string `json:"node"`
	Scopes []struct {
		Name   string   `json:"name"`
		Groups int      `json:"groups"`
		Peers  []string `json:"peers"`
	} `json:"scopes"`
	Clock *struct {
		Phase    string `json:"phase"`
		OffsetMS int64  `json:"offset_ms"`
	} `json:"clock"`
}

func printStatus(ctx context.Context, addr string) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Println(ui.ErrorMsg("daemon unreachable at %s: %v", addr, err))
		return nil
	}
	defer resp.Body.Close()

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Println(ui.SuccessMsg("node %s", ui.Accent(st.Node)))
	if st.Clock != nil && st.Clock.Phase == "skewed" {
		fmt.Println(ui.Warn(fmt.Sprintf("clock skewed by %dms", st.Clock.OffsetMS)))
	}

	rows := make([][]string, 0, len(st.Scopes))
	for _, sc := range st.Scopes {
		rows = append(rows, []string{
			sc.Name,
			strconv.Itoa(sc.Groups),
			strconv.Itoa(len(sc.Peers)),
			strings.Join(sc.Peers, ", "),
		})
	}
	fmt.Println(ui.Table([]string{"SCOPE", "GROUPS", "PEERS", "PEER NODES"}, rows))
	return nil
}

func portOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", addr, err)
	}
	return port, nil
}
