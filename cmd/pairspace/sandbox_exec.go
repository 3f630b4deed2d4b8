package main

import (
	"github.com/spf13/cobra"

	"github.com/codefionn/pairspace/internal/sandbox"
)

// newSandboxExecCmd is the re-exec target the local sandbox prefixes to
// project commands: it confines itself with landlock and then becomes the
// command.
func newSandboxExecCmd() *cobra.Command {
	var (
		root       string
		readOnly   []string
		readWrite  []string
		bestEffort bool
	)
	cmd := &cobra.Command{
		Use:    "sandbox-exec --root <dir> -- <command> [args...]",
		Short:  "Run a command confined to a project directory",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := sandbox.NewPolicy(root, readOnly, readWrite, bestEffort)
			return sandbox.ExecConfined(policy, args)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "project directory, writable")
	cmd.Flags().StringArrayVar(&readOnly, "ro", nil, "extra read-only path")
	cmd.Flags().StringArrayVar(&readWrite, "rw", nil, "extra read-write path")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", true, "degrade on kernels without full landlock support")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

// sandboxWrapper returns the command prefix that runs project processes
// through sandbox-exec.
func sandboxWrapper(exe, root string, ro, rw []string, bestEffort bool) []string {
	w := []string{exe, "sandbox-exec", "--root", root}
	for _, p := range ro {
		w = append(w, "--ro", p)
	}
	for _, p := range rw {
		w = append(w, "--rw", p)
	}
	if !bestEffort {
		w = append(w, "--best-effort=false")
	}
	return append(w, "--")
}
