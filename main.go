// flashd - backend daemon for the Flash.io browser IDE.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flashio/flashd/internal/collab"
	"github.com/flashio/flashd/internal/config"
	"github.com/flashio/flashd/internal/preview"
	"github.com/flashio/flashd/internal/sandbox"
	"github.com/flashio/flashd/internal/secret"
	"github.com/flashio/flashd/internal/server"
	"github.com/flashio/flashd/internal/storage"
	"github.com/flashio/flashd/internal/store"
	"github.com/flashio/flashd/internal/tasks"
	"github.com/flashio/flashd/internal/terminal"
	"github.com/flashio/flashd/internal/watch"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: ~/.flashio/config.toml)")
		port        = flag.Int("port", 0, "override the API port")
		workspace   = flag.String("workspace", "", "override the workspace root")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flashd %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath, *port, *workspace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, portOverride int, workspaceOverride string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if portOverride != 0 {
		cfg.Server.Port = portOverride
	}
	if workspaceOverride != "" {
		cfg.Sandbox.WorkspaceRoot = workspaceOverride
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		return err
	}

	st, err := store.Open(filepath.Join(configDir, "flashd.db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	storageMgr, err := buildStorage(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Sandbox.WorkspaceRoot, 0755); err != nil {
		return fmt.Errorf("failed to create workspace root: %w", err)
	}

	runtime := sandbox.NewLocalRuntime(cfg.Sandbox.WorkspaceRoot, cfg.Sandbox.PreviewPorts)
	mgr := sandbox.NewManager(sandbox.Options{
		Store:           st,
		Runtime:         runtime,
		Mirror:          storageMgr,
		WorkspaceRoot:   cfg.Sandbox.WorkspaceRoot,
		Shell:           cfg.Sandbox.Shell,
		BootTimeout:     cfg.Sandbox.BootTimeout(),
		MaxBootAttempts: cfg.Sandbox.MaxBootAttempts,
	})

	reg := preview.NewRegistry()
	mgr.OnEvent(reg.Handle)
	mgr.OnTeardown(reg.Clear)

	bridge := terminal.NewBridge(mgr, st)
	hub := collab.NewHub(cfg.Collab.SessionTTL(), cfg.Collab.EventBuffer)

	queue := tasks.NewQueue(100)
	runner := tasks.NewRunner(queue, cfg.Sync.MaxConcurrent, cfg.Sync.TaskTimeout())
	runner.Register(tasks.KindSync, tasks.SyncJob(storageMgr, cfg.Sandbox.WorkspaceRoot))
	runner.Register(tasks.KindSnapshot, tasks.SnapshotJob(storageMgr, cfg.Sandbox.WorkspaceRoot))
	runner.Start()
	defer runner.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(ctx)
	go drainNotifications(ctx, queue)

	// Out-of-band workspace edits (shell processes, git checkouts) flow to
	// durable storage through the watcher.
	watcher, err := watch.Start(cfg.Sandbox.WorkspaceRoot, cfg.Sync.WatchDebounce(),
		&workspaceMirror{storage: storageMgr, root: cfg.Sandbox.WorkspaceRoot})
	if err != nil {
		log.Printf("WATCH_START_FAILED | error=%v", err)
	} else {
		defer watcher.Close()
	}

	srv := server.New(server.Options{
		Config:  cfg,
		Store:   st,
		Manager: mgr,
		Bridge:  bridge,
		Preview: reg,
		Hub:     hub,
		Storage: storageMgr,
		Queue:   queue,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("SIGNAL_RECEIVED | signal=%v", sig)
		srv.Shutdown(context.Background())
		cancel()
	}()

	log.Printf("FLASHD_START | version=%s port=%d backends=%v",
		Version, cfg.Server.Port, storageMgr.Backends())
	return srv.Start()
}

// buildStorage constructs the ordered backend set from config, unsealing any
// encrypted credentials.
func buildStorage(cfg *config.Config) (*storage.Manager, error) {
	var sealer *secret.Sealer

	unseal := func(value string) (string, error) {
		if !secret.IsSealed(value) {
			return value, nil
		}
		if sealer == nil {
			keyPath, err := secret.DefaultKeyPath()
			if err != nil {
				return "", err
			}
			sealer, err = secret.NewSealer(keyPath)
			if err != nil {
				return "", err
			}
		}
		return sealer.Open(value)
	}

	var backends []storage.Backend
	for _, name := range cfg.Storage.Order {
		switch name {
		case "local":
			b, err := storage.NewLocalBackend(cfg.Storage.Local.Dir)
			if err != nil {
				return nil, fmt.Errorf("local backend: %w", err)
			}
			backends = append(backends, b)

		case "github":
			token, err := unseal(cfg.Storage.GitHub.Token)
			if err != nil {
				return nil, fmt.Errorf("github token: %w", err)
			}
			backends = append(backends, storage.NewGitHubBackend(
				cfg.Storage.GitHub.BaseURL, token, cfg.Storage.GitHub.Repo, cfg.Storage.GitHub.Branch))

		case "s3":
			accessKey, err := unseal(cfg.Storage.S3.AccessKey)
			if err != nil {
				return nil, fmt.Errorf("s3 access key: %w", err)
			}
			secretKey, err := unseal(cfg.Storage.S3.SecretKey)
			if err != nil {
				return nil, fmt.Errorf("s3 secret key: %w", err)
			}
			backends = append(backends, storage.NewS3Backend(
				cfg.Storage.S3.Endpoint, cfg.Storage.S3.Bucket, cfg.Storage.S3.Region,
				accessKey, secretKey))

		default:
			return nil, fmt.Errorf("unknown storage backend %q", name)
		}
	}

	return storage.NewManager(backends, cfg.Sync.MaxConcurrent), nil
}

// workspaceMirror copies watcher-reported edits into durable storage. Paths
// are workspace-relative, so the first segment is the project ID.
type workspaceMirror struct {
	storage *storage.Manager
	root    string
}

func (m *workspaceMirror) FileChanged(relPath string) {
	projectID, path, ok := splitProjectPath(relPath)
	if !ok {
		return
	}
	data, err := os.ReadFile(filepath.Join(m.root, filepath.FromSlash(relPath)))
	if err != nil {
		return
	}
	if err := m.storage.PutFile(context.Background(), projectID, path, data); err != nil {
		log.Printf("WATCH_MIRROR_FAILED | path=%s error=%v", relPath, err)
	}
}

func (m *workspaceMirror) FileRemoved(relPath string) {
	projectID, path, ok := splitProjectPath(relPath)
	if !ok {
		return
	}
	if err := m.storage.DeleteFile(context.Background(), projectID, path); err != nil {
		log.Printf("WATCH_MIRROR_DELETE_FAILED | path=%s error=%v", relPath, err)
	}
}

// splitProjectPath splits "projectID/rest/of/path" watcher paths. Top-level
// files (lockfiles and the like) are not project content.
func splitProjectPath(relPath string) (projectID, path string, ok bool) {
	for i := 0; i < len(relPath); i++ {
		if relPath[i] == '/' {
			return relPath[:i], relPath[i+1:], i > 0 && i < len(relPath)-1
		}
	}
	return "", "", false
}

// drainNotifications logs task completions.
func drainNotifications(ctx context.Context, queue *tasks.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-queue.Notifications():
			if n.Error != "" {
				log.Printf("TASK_DONE | task=%s kind=%s status=%s error=%q", n.TaskID, n.Kind, n.Status, n.Error)
			} else {
				log.Printf("TASK_DONE | task=%s kind=%s status=%s duration=%s", n.TaskID, n.Kind, n.Status, n.Duration)
			}
		}
	}
}
