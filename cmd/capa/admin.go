package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"capaflow/internal/config"
	"capaflow/internal/engine"
	"capaflow/internal/engine/auth"
)

const defaultOrgKey = "CAPAFLOW_ORG"

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Manage organizations",
		Long:  "An organization is a tenant: non-conformities, tasks, members, API keys and the workflow config all belong to one.",
	}
	cmd.AddCommand(orgInitCmd())
	cmd.AddCommand(orgUseCmd())
	return cmd
}

func orgInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init <id>",
		Short: "Create an organization with the default config; --actor-id becomes owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine()
			if err != nil {
				return err
			}
			defer closeFn()
			org, err := e.InitOrganization(cmd.Context(), strings.TrimSpace(args[0]), name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(org)
			}
			fmt.Printf("Initialized organization %s (owner %s)\n", org.ID, viper.GetString("actor-id"))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func orgUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default organization for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := strings.TrimSpace(args[0])
			if orgID == "" {
				return fmt.Errorf("organization id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), defaultOrgKey, orgID); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s/.env\n", defaultOrgKey, orgID, workspace)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect organization config",
		Long:  "Config is stored in the DB per organization: stage lead times, severity priorities, SLA thresholds, revision reset stage and RBAC roles. Import from capaflow.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the config stored for the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				cfg, err := e.GetOrgConfig(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <org-id>",
		Short: "Write a default capaflow.yml in the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(args[0])), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the organization config from YAML (default: workspace capaflow.yml)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if file != "" {
				cfg, err = config.FromFile(file)
			} else {
				cfg, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				stored, err := e.UpdateOrgConfig(ctx, c, cfg)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stored)
				}
				fmt.Printf("Imported config into organization %s\n", c.OrganizationID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a YAML config file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to YAML config")
	return cmd
}

func memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage role grants"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				members, err := e.ListMembers(ctx, c)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable("Actor", "Role")
				for _, m := range members {
					tw.AppendRow([]any{m.ActorID, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <actor-id> <role>",
		Short: "Grant a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				m, err := e.GrantRole(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <actor-id> <role>",
		Short: "Revoke a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				return e.RevokeRole(ctx, c, args[0], args[1])
			})
		},
	})
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				owner := actorID
				if owner == "" {
					owner = c.UserID
				}
				key, secret, err := e.CreateAPIKey(ctx, c, owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "secret": secret})
				}
				fmt.Printf("API key %s for %s\nsecret: %s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "for", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	cmd.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				keys, err := e.ListAPIKeys(ctx, c, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Actor", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow([]any{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "for", "", "only keys of this actor")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, c auth.Caller) error {
				return e.DeleteAPIKey(ctx, c, args[0])
			})
		},
	})
	return cmd
}

// setEnvValue rewrites key in a dotenv file, appending it when absent.
func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
