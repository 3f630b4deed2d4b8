package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/pairspace/internal/cli"
	"github.com/codefionn/pairspace/internal/config"
	"github.com/codefionn/pairspace/internal/consts"
	"github.com/codefionn/pairspace/internal/logger"
	"github.com/codefionn/pairspace/internal/projectapi"
)

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <email>",
		Short: "Register with the project service and store the identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), consts.Timeout30Seconds)
			defer cancel()

			client := projectapi.New(a.cfg.APIBaseURL, "", logger.Global().WithPrefix("projectapi"))
			user, token, err := client.Register(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			return updateStored(a.configPath, func(c *config.Config) {
				c.Identity = config.Identity{ID: user.ID, Email: user.Email, Token: token}
			}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "registered as %s (%s)\n", user.Email, user.ID)
			})
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored identity and token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return updateStored(a.configPath, (*config.Config).Logout, func() {
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			})
		},
	}
}

// updateStored edits the config file as stored, without environment
// overrides, so they never end up persisted.
func updateStored(path string, edit func(*config.Config), done func()) error {
	stored, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	edit(stored)
	if err := stored.Save(path); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	done()
	return nil
}

func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List, create and delete projects",
	}

	client := func() (*projectapi.Client, error) {
		if err := a.load(false); err != nil {
			return nil, err
		}
		if a.cfg.Identity.Token == "" {
			return nil, fmt.Errorf("not registered, run: pairspace register <email>")
		}
		return projectapi.New(a.cfg.APIBaseURL, a.cfg.Identity.Token, logger.Global().WithPrefix("projectapi")), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d members\n", p.ID, p.Name, len(p.Users))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "new [name]",
		Short: "Create a project, named randomly when no name is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			name := cli.ProjectName()
			if len(args) == 1 {
				name = args[0]
			}
			p, err := c.CreateProject(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\njoin with: pairspace join %s\n", p.Name, p.ID, p.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <projectId>",
		Short: "Delete a project you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			return c.DeleteProject(cmd.Context(), args[0])
		},
	})
	return cmd
}
