// Command shadowtreed mounts a shadowtree working copy and offers an
// offline fsck walk over it. Generalized from slackfs's cmd/slackfs/main.go:
// same flag-parsing-then-mount-then-signal-driven-unmount shape, with
// flag replaced by cobra, log by logrus, and a config file standing in
// for the teacher's single -mountpoint flag.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fatih/color"
	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shadowtree-fs/shadowtree/internal/config"
	"github.com/shadowtree-fs/shadowtree/internal/journal"
	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/overlay"
	"github.com/shadowtree-fs/shadowtree/internal/store"
	"github.com/shadowtree-fs/shadowtree/internal/treeinode"
)

func main() {
	root := &cobra.Command{
		Use:   "shadowtreed",
		Short: "mount and inspect shadowtree working copies",
	}
	root.AddCommand(newMountCmd(), newFsckCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newMountCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "mount a shadowtree working copy at the configured mountpoint",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMount(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to mount config YAML")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newFsckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "walk resident directories and report invariant violations",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runFsck(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to mount config YAML")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func setupLog(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func decodeRootHash(hexHash string) (model.Hash, error) {
	var h model.Hash
	b, err := hex.DecodeString(hexHash)
	if err != nil {
		return h, fmt.Errorf("root_tree_hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("root_tree_hash: expected %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// bringUp opens the overlay and journal, wires an in-memory object
// store, and builds the mount root, in the order the teacher's OnAdd
// built up RootDir's children — everything ready before the FUSE
// server ever sees a request.
func bringUp(ctx context.Context, cfg config.Mount, log *logrus.Logger) (*treeinode.TreeInode, journal.Journal, overlay.Overlay, error) {
	ov, err := overlay.Open(ctx, cfg.OverlayDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening overlay: %w", err)
	}

	jr, err := journal.Open(cfg.JournalDir)
	if err != nil {
		_ = ov.Close()
		return nil, nil, nil, fmt.Errorf("opening journal: %w", err)
	}

	st := store.NewMemStore()
	mount := treeinode.NewMount(st, ov, jr, cfg.PathCacheSize, log)

	var rootHash *model.Hash
	if cfg.RootTreeHashHex != "" {
		h, err := decodeRootHash(cfg.RootTreeHashHex)
		if err != nil {
			_ = jr.Close()
			_ = ov.Close()
			return nil, nil, nil, err
		}
		rootHash = &h
	}

	root, err := treeinode.NewRoot(ctx, mount, rootHash)
	if err != nil {
		_ = jr.Close()
		_ = ov.Close()
		return nil, nil, nil, fmt.Errorf("building root: %w", err)
	}
	return root, jr, ov, nil
}

func runMount(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLog(cfg.Debug)

	ctx := context.Background()
	root, jr, ov, err := bringUp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = jr.Close() }()
	defer func() { _ = ov.Close() }()

	if err := os.MkdirAll(cfg.MountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}

	opts := &fusefs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
		},
	}
	server, err := fusefs.Mount(cfg.MountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	printBanner(cfg)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	// Signal handling mirrors the teacher exactly: first SIGINT/SIGTERM
	// asks for a graceful unmount, a repeat forces it immediately, and
	// either way an unmount request that doesn't complete within 5s
	// falls back to a platform-specific forced unmount.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		signalCount := 0
		for sig := range sigs {
			signalCount++
			log.WithField("signal", sig).WithField("count", signalCount).Info("unmount requested")

			if signalCount == 1 {
				if err := server.Unmount(); err != nil {
					log.WithError(err).Warn("graceful unmount failed")
				}
			} else {
				log.Warn("forcing immediate unmount due to repeated signals")
				forceUnmount(cfg.MountPoint)
				os.Exit(1)
			}

			select {
			case <-done:
				return
			case sig := <-sigs:
				signalCount++
				log.WithField("signal", sig).WithField("count", signalCount).Warn("forcing immediate unmount due to repeated signals")
				forceUnmount(cfg.MountPoint)
				os.Exit(1)
			case <-time.After(5 * time.Second):
			}
			log.Warn("graceful unmount timed out, forcing")
			forceUnmount(cfg.MountPoint)
		}
	}()

	log.WithField("mountpoint", cfg.MountPoint).Info("mounted")
	<-done
	log.Info("server stopped")
	return nil
}

func forceUnmount(mountPoint string) {
	switch runtime.GOOS {
	case "darwin":
		_ = exec.Command("umount", "-f", mountPoint).Run()
		_ = exec.Command("diskutil", "unmount", "force", mountPoint).Run()
	case "linux":
		_ = exec.Command("fusermount", "-uz", mountPoint).Run()
		_ = exec.Command("umount", "-l", mountPoint).Run()
	}
}

func printBanner(cfg config.Mount) {
	color.New(color.FgCyan, color.Bold).Printf("shadowtree mounted at %s\n", cfg.MountPoint)
	color.New(color.FgHiBlack).Printf("overlay=%s journal=%s\n", cfg.OverlayDir, cfg.JournalDir)
}

func runFsck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLog(cfg.Debug)
	ctx := context.Background()

	root, jr, ov, err := bringUp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = jr.Close() }()
	defer func() { _ = ov.Close() }()

	violations := treeinode.Fsck(root, log)
	if violations > 0 {
		return fmt.Errorf("fsck: %d violation(s) found", violations)
	}
	fmt.Println("fsck: clean")
	return nil
}
