package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spt-go/internal/app"
	"spt-go/internal/config"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a wired App. The caller must defer
// a.Close().
func newApp(ctx context.Context) (*app.App, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, cfg, nil
}

// finish emits the command result. In JSON mode every outcome is a single
// envelope line on stdout, including failures.
func finish(cmd *cobra.Command, jsonMode bool, data any, err error) error {
	if !jsonMode {
		return err
	}
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err != nil {
		app.Fail(err).WriteTo(os.Stdout)
		return err
	}
	return app.OK(data).WriteTo(os.Stdout)
}

// promptPassphrase reads a passphrase without echo when stdin is a terminal,
// and as a plain line otherwise (for scripted use).
func promptPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return string(pass), nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return "", fmt.Errorf("no passphrase provided on stdin")
	}
	return scanner.Text(), nil
}

func projectRoot(cmd *cobra.Command) (string, error) {
	root, _ := cmd.Flags().GetString("root")
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	return abs, nil
}

var rootCmd = &cobra.Command{
	Use:   "spt",
	Short: "Apply and manage security patches for installed packages",
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply manifest patches to installed packages",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		pkgs, _ := cmd.Flags().GetStringArray("pkg")

		root, err := projectRoot(cmd)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		a, _, err := newApp(cmd.Context())
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}
		defer a.Close()

		result, err := a.Apply(root, dryRun, pkgs)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		failed := result.Failed()

		if jsonMode {
			cmd.SilenceErrors = true
			cmd.SilenceUsage = true
			env := app.ApplyEnvelope(result)
			if err := env.WriteTo(os.Stdout); err != nil {
				return err
			}
			if !env.Ok {
				return fmt.Errorf("%d package(s) failed", len(failed))
			}
			return nil
		}

		verb := "Patched"
		if dryRun {
			verb = "Would patch"
		}
		for _, pr := range result.Packages {
			if pr.OK {
				fmt.Printf("%s %s\n", verb, pr.ID)
			} else {
				fmt.Printf("Failed  %s: %v\n", pr.ID, pr.Err)
			}
		}
		if len(result.Packages) == 0 {
			fmt.Println("No installed packages match the manifest.")
		}
		if len(failed) > 0 {
			cmd.SilenceUsage = true
			return fmt.Errorf("%d package(s) failed", len(failed))
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove PACKAGE_ID",
	Short: "Restore originals and remove a patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")
		keepBackups, _ := cmd.Flags().GetBool("keep-backups")

		root, err := projectRoot(cmd)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		a, cfg, err := newApp(cmd.Context())
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}
		defer a.Close()

		// Restoring from an encrypted backup cache needs the private key.
		if cfg.Encryption.Type != "" && cfg.Encryption.Type != "none" {
			pass, err := promptPassphrase("Passphrase: ")
			if err != nil {
				return finish(cmd, jsonMode, nil, err)
			}
			if err := a.Unlock(pass); err != nil {
				return finish(cmd, jsonMode, nil, err)
			}
		}

		result, err := a.Remove(root, args[0], keepBackups)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		if jsonMode {
			return finish(cmd, true, map[string]any{
				"package":         result.ID,
				"filesRestored":   result.FilesRestored,
				"restoreFailed":   result.RestoreFailed,
				"backupsDeleted":  result.BackupsDeleted,
				"manifestUpdated": result.ManifestUpdated,
				"warnings":        result.Warnings,
			}, nil)
		}

		fmt.Printf("Removed patch for %s (%d file(s) restored)\n", result.ID, result.FilesRestored)
		for _, p := range result.RestoreFailed {
			fmt.Printf("Could not restore: %s\n", p)
		}
		for _, w := range result.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the project's patch manifest entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")

		root, err := projectRoot(cmd)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		a, _, err := newApp(cmd.Context())
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}
		defer a.Close()

		m, err := a.List(root)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		if jsonMode {
			return finish(cmd, true, m, nil)
		}

		if len(m.Patches) == 0 {
			fmt.Println("No patches in manifest.")
			return nil
		}
		for id, rec := range m.Patches {
			fmt.Printf("%s  files:%d  vulnerabilities:%d\n", id, len(rec.Files), len(rec.Vulnerabilities))
		}
		return nil
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups PACKAGE_ID",
	Short: "Show the backup ledger for a patched package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")

		root, err := projectRoot(cmd)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		a, _, err := newApp(cmd.Context())
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}
		defer a.Close()

		meta, err := a.Backups(root, args[0])
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		if jsonMode {
			return finish(cmd, true, meta, nil)
		}

		if meta == nil {
			fmt.Println("No backups recorded.")
			return nil
		}
		fmt.Printf("Patch %s (created %s)\n", meta.UUID, meta.PatchedAt.Format("2006-01-02 15:04:05"))
		for path, info := range meta.Files {
			fmt.Printf("  %s  %d bytes  %s\n", path, info.Size, info.BackedUpAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recorded apply and remove operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		a, _, err := newApp(cmd.Context())
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return finish(cmd, jsonMode, nil, err)
		}

		if jsonMode {
			return finish(cmd, true, ops, nil)
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-8s  %s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Data Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Data Dir:     %s\n", cfg.DataDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Blob Store:   %s\n", cfg.BlobStore.Type)
		fmt.Printf("Backup Cache: %s (compress=%v)\n", cfg.BackupCache.Dir, cfg.BackupCache.Compress)
		fmt.Printf("Encryption:   %s\n", cfg.Encryption.Type)
		fmt.Printf("History:      %s\n", cfg.History.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage backup encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the backup encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cfg, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Encryption.Type == "" || cfg.Encryption.Type == "none" {
			return fmt.Errorf("encryption is not enabled; set encryption.type in the config first")
		}

		pass, err := promptPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		fmt.Printf("Key pair written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{applyCmd, removeCmd, listCmd, backupsCmd} {
		c.Flags().String("root", ".", "Project root to operate on")
	}
	for _, c := range []*cobra.Command{applyCmd, removeCmd, listCmd, backupsCmd, historyCmd} {
		c.Flags().Bool("json", false, "Emit a machine-readable JSON result")
	}

	applyCmd.Flags().Bool("dry-run", false, "Assess without modifying any files")
	applyCmd.Flags().StringArray("pkg", nil, "Only patch the named package (repeatable)")
	removeCmd.Flags().Bool("keep-backups", false, "Keep backup data after removal")
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
}
