package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/FairForge/bastion/internal/backup"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, verify, restore, and list backups",
	}
	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupVerifyCmd())
	cmd.AddCommand(newBackupRestoreCmd())
	cmd.AddCommand(newBackupListCmd())
	return cmd
}

// withApp builds the stack, runs fn, and tears down.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.catalog.Load(context.Background()); err != nil {
		return err
	}
	return fn(context.Background(), a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBackupCreateCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "create <component>",
		Short: "Create and verify a backup of one component",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				rec, err := a.orch.CreateBackup(ctx, backup.Component(args[0]), backup.Mode(mode))
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(backup.ModeFull), "backup mode: full or incremental")
	return cmd
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-verify a backup's integrity end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				ok, err := a.orch.VerifyBackup(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return &backup.VerificationError{BackupID: args[0], Reason: "integrity verification failed"}
				}
				fmt.Printf("backup %s verified\n", args[0])
				return nil
			})
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Restore a backup onto a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				result, err := a.orch.RestoreBackup(ctx, args[0], target)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "restore target name")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newBackupListCmd() *cobra.Command {
	var component string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				comp := backup.Component(component)
				if component != "" && !backup.ValidComponent(comp) {
					return fmt.Errorf("unknown component %q", component)
				}
				return printJSON(a.catalog.List(comp))
			})
		},
	}
	cmd.Flags().StringVar(&component, "component", "", "filter by component")
	return cmd
}
