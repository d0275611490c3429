package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mdplane/internal/app"
	"mdplane/internal/domain"
	"mdplane/internal/repo"
	"mdplane/internal/scope"
)

func workspaceCmd() *cobra.Command {
	c := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	var id, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace (no-op when it exists)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if name == "" {
					name = id
				}
				ws, err := app.EnsureWorkspace(ctx, r, id, name)
				if err != nil {
					return err
				}
				return printJSON(ws)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "workspace id")
	create.Flags().StringVar(&name, "name", "", "display name")
	_ = create.MarkFlagRequired("id")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, ws := range items {
					tw.AppendRow(table.Row{ws.ID, ws.Name, ws.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	return c
}

func keyCmd() *cobra.Command {
	c := &cobra.Command{Use: "key", Short: "Issue and revoke capability keys"}
	c.AddCommand(keyCreateCmd())
	c.AddCommand(keyRevokeCmd())
	c.AddCommand(keyListCmd())
	return c
}

func keyCreateCmd() *cobra.Command {
	var req app.KeyRequest
	var scopeArg string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a capability key; the raw key is printed once",
		Long: `Issue a capability key. --scope takes workspace, folder:<path> or file:<path>.
The raw key is shown only here; mdplane stores its SHA-256 hash.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeType, scopePath, err := parseScope(scopeArg)
			if err != nil {
				return err
			}
			req.ScopeType, req.ScopePath = scopeType, scopePath
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw, key, err := app.IssueKey(ctx, r, req)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": raw, "capability": key})
				}
				fmt.Printf("key:    %s\n", raw)
				fmt.Printf("id:     %s\n", key.ID)
				fmt.Printf("tier:   %s\n", key.Tier)
				fmt.Printf("scope:  %s %s\n", key.ScopeType, key.ScopePath)
				if key.ExpiresAt != nil {
					fmt.Printf("expires %s\n", *key.ExpiresAt)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.WorkspaceID, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&req.Tier, "tier", domain.TierRead, "permission tier: read, append or write")
	cmd.Flags().StringVar(&scopeArg, "scope", "workspace", "scope: workspace, folder:<path> or file:<path>")
	cmd.Flags().DurationVar(&req.ExpiresIn, "expires-in", 0, "key lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a capability key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.RevokeCapabilityKey(ctx, args[0], time.Now()); err != nil {
					return fmt.Errorf("revoke %s: %w", args[0], err)
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func keyListCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List capability keys of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListCapabilityKeys(ctx, workspace)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Tier", "Scope", "Created", "Expires", "Revoked"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Tier, k.ScopeType + ":" + k.ScopePath, k.CreatedAt, deref(k.ExpiresAt), deref(k.RevokedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

// parseScope reads "workspace", "folder:<path>" or "file:<path>".
func parseScope(s string) (string, string, error) {
	kind, path, _ := strings.Cut(strings.TrimSpace(s), ":")
	switch kind {
	case "", domain.ScopeWorkspace:
		return domain.ScopeWorkspace, "/", nil
	case domain.ScopeFolder, domain.ScopeFile:
		if path == "" {
			return "", "", fmt.Errorf("--scope %s needs a path, e.g. %s:/docs", kind, kind)
		}
		return kind, path, nil
	}
	return "", "", fmt.Errorf("unknown scope %q", s)
}

// pathFilter accepts files at or below p; an empty p accepts everything.
func pathFilter(p string) (func(string) bool, error) {
	if p == "" || p == "/" {
		return nil, nil
	}
	norm, err := scope.Normalize(p)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q", p)
	}
	return func(path string) bool { return scope.Contains(domain.ScopeFolder, norm, path) }, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
