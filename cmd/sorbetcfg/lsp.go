package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/le-company/sorbetcfg/internal/config"
	"github.com/le-company/sorbetcfg/internal/lsp"
	"github.com/le-company/sorbetcfg/internal/metrics"
	"github.com/le-company/sorbetcfg/internal/typecheck"
	"github.com/le-company/sorbetcfg/internal/workspaceindex"
)

var lspCmd = &cobra.Command{
	Use:   "lsp",
	Short: "Run the incremental typechecking dispatcher over a stdio edit stream",
	Long: `Reads newline-delimited JSON edit notifications from stdin and feeds
each one through the fast/slow-path dispatcher. The LSP transport proper
(JSON-RPC framing, diagnostic publication) is an external collaborator;
this loop only exercises the dispatcher.`,
	RunE: runLSP,
}

// stdioEdit is the newline-delimited JSON shape this loop reads. It is
// deliberately not an LSP protocol message: framing and the rest of the
// JSON-RPC surface stay out of this core.
type stdioEdit struct {
	Path    string `json:"path"`
	Version int    `json:"version"`
	Source  string `json:"source"`
}

func runLSP(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load(overridesFile)
	if err != nil {
		return err
	}
	applyDebugMode(cfg)
	if !cfg.LSP.Enabled {
		return fmt.Errorf("sorbetcfg: lsp is disabled in configuration")
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
	delegate := typecheck.NewDelegate(cfg.LSP.Jobs, logger)
	dispatcher := lsp.NewDispatcher(epochs, reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dispatcher.Start(ctx)

	go drainFinished(dispatcher, logger)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e stdioEdit
		if err := json.Unmarshal(line, &e); err != nil {
			logger.Warn("sorbetcfg: malformed edit notification", zap.Error(err))
			continue
		}
		updates := &lsp.LSPFileUpdates{
			Epoch: epochs.Current(),
			Edits: []lsp.FileEdit{{Path: e.Path, Version: e.Version, Source: e.Source}},
		}
		task := lsp.NewWorkspaceEditTask(updates, idx, delegate, epochs, reg)
		dispatcher.Submit(task)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("sorbetcfg: stdin read error", zap.Error(err))
	}

	stop()
	dispatcher.Wait()
	return nil
}

func drainFinished(d *lsp.Dispatcher, logger *zap.Logger) {
	for task := range d.Finished() {
		logger.Info("sorbetcfg: task finished", zap.String("state", task.State().String()))
	}
}
