package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/codefionn/pairspace/internal/channel"
	"github.com/codefionn/pairspace/internal/cli"
	"github.com/codefionn/pairspace/internal/config"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/execution"
	"github.com/codefionn/pairspace/internal/filetree"
	"github.com/codefionn/pairspace/internal/fs"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/projectapi"
	"github.com/codefionn/pairspace/internal/protocol"
	"github.com/codefionn/pairspace/internal/sandbox"
	"github.com/codefionn/pairspace/internal/session"
)

type joinOptions struct {
	watch     bool
	plain     bool
	workspace string
}

func newJoinCmd(a *app) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join <projectId>",
		Short: "Join a project session: chat, edit files and run the project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			if opts.workspace != "" {
				a.cfg.Sandbox.WorkspaceDir = opts.workspace
			}
			if err := a.cfg.ValidateJoin(); err != nil {
				return err
			}
			return runJoin(cmd.Context(), a.cfg, args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "sync edits made in the workspace directory")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "line-oriented console instead of the full-screen one")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "directory the project is mounted into")
	return cmd
}

func runJoin(ctx context.Context, cfg *config.Config, projectID string, opts *joinOptions) (err error) {
	log := logger.Global().WithPrefix("join")
	self := protocol.Participant{ID: cfg.Identity.ID, Email: cfg.Identity.Email}

	interactive := !opts.plain && cli.Interactive()
	renderer := cli.NewRenderer(self, cli.TerminalWidth(), !interactive)

	var (
		observer session.Observer
		teaObs   *cli.TeaObserver
		printObs *cli.PrintObserver
	)
	if interactive {
		teaObs = cli.NewTeaObserver(consts.SessionMailboxSize)
		observer = teaObs
	} else {
		printObs = cli.NewPrintObserver(os.Stdout, renderer)
		observer = printObs
	}

	ctl := session.New(session.Options{
		Self:      self,
		ProjectID: projectID,
		API:       projectapi.New(cfg.APIBaseURL, cfg.Identity.Token, log.WithPrefix("projectapi")),
		Dialer: &channel.WebSocketDialer{
			URL:   cfg.ChannelURL,
			Token: cfg.Identity.Token,
			Log:   log.WithPrefix("channel"),
		},
		Run:      execution.OptionsFromConfig(cfg.Run),
		Observer: observer,
		Log:      log.WithPrefix("session"),
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), consts.Timeout10Seconds)
		defer cancel()
		err = errors.Join(err, ctl.Close(closeCtx))
	}()

	if err := connect(ctx, ctl, observer, projectID); err != nil {
		return err
	}

	sb, err := newSandbox(cfg, projectID, log)
	if err != nil {
		observer.Alert(fmt.Sprintf("running is unavailable: %v", err))
	} else if err := ctl.AttachSandbox(ctx, sb); err != nil {
		return err
	}

	if opts.watch && sb != nil {
		watcher, err := fs.NewWatcher(sb.Root(), fs.WithLogger(log.WithPrefix("fs")))
		if err != nil {
			return err
		}
		watchCtx, stopWatch := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = watcher.Run(watchCtx, func(delta filetree.Tree) {
				if err := ctl.ApplyDiskEdits(watchCtx, delta); err != nil {
					log.Warn("failed to apply disk edits: %v", err)
				}
			})
		}()
		defer func() {
			stopWatch()
			<-done
		}()
	}

	exec := cli.NewExecutor(ctl, renderer)
	if !interactive {
		return cli.RunPlain(ctx, os.Stdin, exec, printObs)
	}

	view, err := ctl.View(ctx)
	if err != nil {
		return err
	}
	return cli.RunTUI(ctx, cli.NewModel(ctx, exec, renderer, teaObs, view.Project))
}

// connect starts the session and loads the project. Only a session that
// cannot run at all is an error; a missing channel or project record is
// reported and the session continues with what it has.
func connect(ctx context.Context, ctl *session.Controller, observer session.Observer, projectID string) error {
	if err := ctl.Start(ctx); err != nil {
		if !errors.Is(err, session.ErrChannelUnavailable) {
			return fmt.Errorf("failed to start session: %w", err)
		}
		observer.Alert(fmt.Sprintf("chat is offline, files and runs still work: %v", err))
	}
	if err := ctl.Load(ctx); err != nil {
		observer.Alert(fmt.Sprintf("could not load project %s: %v", projectID, err))
	}
	return nil
}

// newSandbox mounts projects into the configured workspace directory, or a
// per-project directory under the temp dir.
func newSandbox(cfg *config.Config, projectID string, log *logger.Logger) (*sandbox.Local, error) {
	root := cfg.Sandbox.WorkspaceDir
	if root == "" {
		root = filepath.Join(os.TempDir(), "pairspace", projectID)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var wrapper []string
	if !cfg.Sandbox.DisableLandlock && runtime.GOOS == "linux" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot locate own executable for sandbox-exec: %w", err)
		}
		wrapper = sandboxWrapper(exe, root,
			cfg.Sandbox.AdditionalReadOnlyPaths,
			cfg.Sandbox.AdditionalReadWritePaths,
			cfg.Sandbox.BestEffort)
	}

	return sandbox.NewLocal(sandbox.LocalOptions{
		Root:    root,
		Wrapper: wrapper,
		Log:     log.WithPrefix("sandbox"),
	})
}
