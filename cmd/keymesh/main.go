// Package main — cmd/keymesh/main.go
//
// KeyMesh CLI entrypoint.
//
// Subcommands:
//
//	init         write config.yaml from config.sample.yaml and create share directories
//	check        validate config.yaml and report node/peer/share summary
//	list-shares  list configured shares
//	manifest     build and save a manifest snapshot for one share
//	diff         compare the two most recent local snapshots for one share
//	run          start the peer session server/client, transfer engine, and status view
//	send         enqueue one file for transfer to a peer
//	queue        list known transfer tasks
//	cancel       cancel a queued or running transfer task
//	peers        print peer connection state
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keymesh/keymesh/internal/app"
	"github.com/keymesh/keymesh/internal/config"
	"github.com/keymesh/keymesh/internal/diffengine"
	"github.com/keymesh/keymesh/internal/manifest"
	"github.com/keymesh/keymesh/internal/observability"
	"github.com/keymesh/keymesh/internal/peersession"
	"github.com/keymesh/keymesh/internal/statushttp"
	"github.com/keymesh/keymesh/internal/transferengine"
)

const defaultConfigFile = "config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "check":
		err = cmdCheck(os.Args[2:])
	case "list-shares":
		err = cmdListShares(os.Args[2:])
	case "manifest":
		err = cmdManifest(os.Args[2:])
	case "diff":
		err = cmdDiff(os.Args[2:])
	case "run":
		err = cmdRun(os.Args[2:])
	case "send":
		err = cmdSend(os.Args[2:])
	case "queue":
		err = cmdQueue(os.Args[2:])
	case "cancel":
		err = cmdCancel(os.Args[2:])
	case "peers":
		err = cmdPeers(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "keymesh: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: keymesh <command> [flags]

commands:
  init         write config.yaml from config.sample.yaml
  check        validate config.yaml
  list-shares  list configured shares
  manifest     build a manifest snapshot for one share
  diff         diff the two most recent snapshots for one share
  run          run the sync daemon
  send         enqueue a file transfer to a peer
  queue        list transfer tasks
  cancel       cancel a transfer task
  peers        print peer connection state`)
}

// buildLogger constructs a zap.Logger at the configured level, matching
// the daemon's own logging setup so CLI output and daemon logs share one
// format.
func buildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// ensureShareDirectories creates every configured share's root directory
// and a starter ignore file, echoing the daemon's own init-time behavior.
func ensureShareDirectories(cfg *config.Config) []string {
	var messages []string
	for _, share := range cfg.Shares {
		if err := os.MkdirAll(share.Path, 0o755); err != nil {
			messages = append(messages, fmt.Sprintf("failed to create share %s: %v", share.Name, err))
			continue
		}
		messages = append(messages, fmt.Sprintf("share ready: %s -> %s", share.Name, share.Path))
		if share.IgnoreFile != "" {
			ignorePath := share.IgnoreFile
			if !filepath.IsAbs(ignorePath) {
				ignorePath = filepath.Join(share.Path, filepath.Base(ignorePath))
			}
			if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
				_ = os.WriteFile(ignorePath, []byte("# KeyMesh ignore patterns\n"), 0o644)
				messages = append(messages, fmt.Sprintf("created ignore file: %s", ignorePath))
			}
		}
	}
	return messages
}

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite existing config.yaml")
	sample := fs.String("sample", "config.sample.yaml", "path to the sample config to copy from")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*sample); err != nil {
		return fmt.Errorf("sample config not found: %s", *sample)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil && !*force {
		fmt.Fprintln(os.Stderr, "config.yaml already exists; use --force to overwrite")
	} else {
		if err := copyFile(*sample, defaultConfigFile); err != nil {
			return fmt.Errorf("copy sample config: %w", err)
		}
		fmt.Println("config.yaml generated from sample")
	}

	cfg, err := loadConfig(*sample)
	if err != nil {
		return fmt.Errorf("parse sample config: %w", err)
	}
	for _, msg := range ensureShareDirectories(cfg) {
		fmt.Println(msg)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	var missing []string
	for _, p := range []string{cfg.Security.CACert, cfg.Security.Cert, cfg.Security.Key} {
		f, err := os.Open(p)
		if err != nil {
			missing = append(missing, p)
			continue
		}
		f.Close()
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or unreadable certificate files: %q", missing)
	}
	for _, msg := range ensureShareDirectories(cfg) {
		fmt.Println(msg)
	}
	fmt.Printf("Node %s listening on %s:%d\n", cfg.Node.ID, cfg.Node.BindHost, cfg.Node.ListenPort)
	ids := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		ids = append(ids, p.ID)
	}
	fmt.Printf("Peers configured: %v\n", ids)
	fmt.Println("Configuration check passed.")
	return nil
}

func cmdListShares(args []string) error {
	fs := flag.NewFlagSet("list-shares", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	for _, share := range cfg.Shares {
		fmt.Printf("%s: %s\n", share.Name, share.Path)
	}
	return nil
}

func cmdManifest(args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	shareName := fs.String("share", "", "share to index")
	outDir := fs.String("out", "data/manifests", "directory to save the snapshot under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *shareName == "" {
		return fmt.Errorf("--share is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := app.New(cfg, log)
	m, err := ctx.GetManifest(context.Background(), *shareName, true)
	if err != nil {
		return err
	}
	path, err := manifest.Save(*outDir, m)
	if err != nil {
		return err
	}
	fmt.Printf("manifest saved: %s (%d entries)\n", path, len(m.Entries))
	return nil
}

func cmdDiff(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	shareName := fs.String("share", "", "share to diff")
	outDir := fs.String("out", "data/manifests", "directory holding saved snapshots")
	peerID := fs.String("peer", "", "diff against a live peer's manifest instead of the previous local snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *shareName == "" {
		return fmt.Errorf("--share is required")
	}

	local, err := manifest.Load(*outDir, *shareName)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if local == nil {
		return fmt.Errorf("no snapshot found for share %q in %s; run 'manifest --share %s' first", *shareName, *outDir, *shareName)
	}

	var baseline *manifest.Manifest
	if *peerID != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		peerCfg, ok := cfg.PeerByID(*peerID)
		if !ok {
			return fmt.Errorf("unknown peer: %s", *peerID)
		}
		baseline, err = peersession.FetchManifest(context.Background(), cfg, peerCfg, *shareName)
		if err != nil {
			return fmt.Errorf("fetch remote manifest: %w", err)
		}
	} else {
		baseline, err = manifest.LoadPrevious(*outDir, *shareName)
		if err != nil {
			return fmt.Errorf("load previous snapshot: %w", err)
		}
	}
	if baseline == nil {
		baseline = &manifest.Manifest{Share: *shareName}
	}

	result := diffengine.Compare(local, baseline)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Info("KeyMesh starting", zap.String("node_id", cfg.Node.ID), zap.String("config", *configPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appCtx := app.New(cfg, log)
	metrics := observability.NewMetrics()
	appCtx.Metrics = metrics

	server, err := peersession.NewServer(cfg, appCtx.Registry, log)
	if err != nil {
		return fmt.Errorf("build peer session server: %w", err)
	}
	server.SetManifestSource(func(shareName string) (*manifest.Manifest, error) {
		return appCtx.GetManifest(ctx, shareName, false)
	})
	server.SetMetrics(metrics)
	client, err := peersession.NewClient(cfg, appCtx.Registry, log)
	if err != nil {
		return fmt.Errorf("build peer session client: %w", err)
	}
	client.SetMetrics(metrics)
	engine, err := transferengine.NewEngine(cfg, appCtx.Registry, log)
	if err != nil {
		return fmt.Errorf("build transfer engine: %w", err)
	}
	engine.SetMetrics(metrics)
	server.SetFileReceiver(func(conn *tls.Conn, peerID string, fileReq map[string]any, allowedShares []string) error {
		return engine.ReceiveIncoming(conn, peerID, fileReq, allowedShares)
	})

	go func() {
		if err := server.ListenAndServe(ctx); err != nil {
			log.Error("peer session server stopped with error", zap.Error(err))
		}
	}()
	go func() {
		if err := client.Run(ctx); err != nil {
			log.Error("peer session client stopped with error", zap.Error(err))
		}
	}()
	go engine.RunForever(ctx)

	if cfg.StatusHTTP.Enabled {
		statusSrv := statushttp.NewServer(cfg, appCtx.Registry, metrics, log)
		go func() {
			if err := statusSrv.ListenAndServe(ctx); err != nil {
				log.Error("status HTTP server stopped with error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()
	engine.Stop()
	log.Info("KeyMesh shutdown complete")
	return nil
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	peerID := fs.String("peer", "", "destination peer id")
	shareName := fs.String("share", "", "share the file belongs to")
	path := fs.String("path", "", "file path within the share")
	mode := fs.String("mode", "push", "transfer mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *peerID == "" || *shareName == "" || *path == "" {
		return fmt.Errorf("--peer, --share, and --path are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	appCtx := app.New(cfg, log)
	engine, err := transferengine.NewEngine(cfg, appCtx.Registry, log)
	if err != nil {
		return err
	}
	task, err := engine.Enqueue(*peerID, *shareName, *path, 0, *mode)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued task %d: %s/%s -> %s\n", task.TaskID, *shareName, *path, *peerID)
	return nil
}

func cmdQueue(args []string) error {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	appCtx := app.New(cfg, log)
	engine, err := transferengine.NewEngine(cfg, appCtx.Registry, log)
	if err != nil {
		return err
	}
	if err := engine.LoadPersisted(); err != nil {
		return err
	}
	for _, task := range engine.ListTasks() {
		fmt.Printf("%d\t%s\t%s/%s\t%s\t%d/%d bytes\n",
			task.TaskID, task.PeerID, task.Share, task.RelativePath, task.Status, task.BytesDone, task.TotalBytes)
	}
	return nil
}

func cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: keymesh cancel [--config path] <task-id>")
	}
	taskID, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", fs.Arg(0), err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	appCtx := app.New(cfg, log)
	engine, err := transferengine.NewEngine(cfg, appCtx.Registry, log)
	if err != nil {
		return err
	}
	if err := engine.LoadPersisted(); err != nil {
		return err
	}
	ok, err := engine.Cancel(taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d not found", taskID)
	}
	fmt.Printf("task %d cancelled\n", taskID)
	return nil
}

func cmdPeers(args []string) error {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	appCtx := app.New(cfg, log)
	for _, state := range appCtx.Registry.All() {
		snap := state.Snapshot()
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}
	return nil
}
