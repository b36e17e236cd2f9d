package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/le-company/sorbetcfg/internal/config"
	"github.com/le-company/sorbetcfg/internal/lsp"
	"github.com/le-company/sorbetcfg/internal/metrics"
	"github.com/le-company/sorbetcfg/internal/typecheck"
	"github.com/le-company/sorbetcfg/internal/workspaceindex"
)

var typecheckCmd = &cobra.Command{
	Use:   "typecheck [path]",
	Short: "Index and typecheck an entire workspace as a single batch edit",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTypecheck,
}

func runTypecheck(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync()

	root := "."
	if len(args) > 0 {
		root = args[0]
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("sorbetcfg: resolve workspace root: %w", err)
	}

	cfg, err := config.Load(overridesFile)
	if err != nil {
		return err
	}
	cfg.WorkspaceRoot = absRoot
	applyDebugMode(cfg)

	edits, err := collectWorkspaceEdits(absRoot)
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		fmt.Println("no source files found")
		return nil
	}

	indexPath := filepath.Join(cfg.IndexDir, "index.db")
	if err := os.MkdirAll(cfg.IndexDir, 0o755); err != nil {
		return fmt.Errorf("sorbetcfg: create index dir: %w", err)
	}
	idx, err := workspaceindex.Open(indexPath, logger)
	if err != nil {
		return err
	}
	defer idx.Close()

	reg := metrics.NewRegistry()
	epochs := lsp.NewEpochManager()
	delegate := typecheck.NewDelegate(cfg.Parallel, logger)

	dispatcher := lsp.NewDispatcher(epochs, reg)
	ctx, cancel := context.WithCancel(cmd.Context())
	dispatcher.Start(ctx)

	updates := &lsp.LSPFileUpdates{Epoch: epochs.NextEpoch(), Edits: edits}
	task := lsp.NewWorkspaceEditTask(updates, idx, delegate, epochs, reg)
	dispatcher.Submit(task)

	finished := <-dispatcher.Finished()
	cancel()
	dispatcher.Wait()

	logger.Info("typecheck batch finished",
		zap.String("workspace", absRoot),
		zap.Int("files", len(edits)),
		zap.String("state", finished.State().String()))
	fmt.Printf("typechecked %d file(s) in %s: %s\n", len(edits), absRoot, finished.State())
	return nil
}

// collectWorkspaceEdits walks root for source files and reads each one
// into a FileEdit. Parsing their contents into a tree.MethodDef is an
// external collaborator's job; this batch command only needs to push
// bytes through the same dispatcher the LSP loop uses.
func collectWorkspaceEdits(root string) ([]lsp.FileEdit, error) {
	var edits []lsp.FileEdit
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isSourceFile(path) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("sorbetcfg: read %s: %w", path, err)
		}
		edits = append(edits, lsp.FileEdit{Path: path, Version: 1, Source: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sorbetcfg: walk %s: %w", root, err)
	}
	return edits, nil
}

func isSourceFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".rb")
}
