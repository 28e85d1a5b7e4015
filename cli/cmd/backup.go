package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"southwinds.dev/keep/persist"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage instance backups",
	Long: `Export and restore passphrase-encrypted instance backups. A backup
contains the instance's key material and all encrypted content; restoring
it requires both the backup passphrase and the instance password that was
current when the backup was made.`,
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an instance backup",
	RunE:  runBackupExport,
}

var backupImportCmd = &cobra.Command{
	Use:   "import <backup-id|file>",
	Short: "Restore an instance from a backup",
	Long:  `Restore an instance from a stored backup ID or a backup file exported with --file. Replaces the instance's current state entirely.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupImport,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored backups",
	RunE:  runBackupList,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a stored backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var (
	backupPassphrase string
	backupFile       string
	fromFile         bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupDeleteCmd)

	backupExportCmd.Flags().StringVar(&backupPassphrase, "passphrase", "", "backup passphrase (prompted when omitted)")
	backupExportCmd.Flags().StringVar(&backupFile, "file", "", "also write the backup container to this file")
	backupImportCmd.Flags().StringVar(&backupPassphrase, "passphrase", "", "backup passphrase (prompted when omitted)")
	backupImportCmd.Flags().BoolVar(&fromFile, "from-file", false, "treat the argument as a backup file path instead of a backup ID")
	backupImportCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation prompt")
	backupListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runBackupExport(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	passphrase := backupPassphrase
	if passphrase == "" {
		if passphrase, err = promptNewPassword("Backup passphrase: "); err != nil {
			return err
		}
	}

	container, err := registry.ExportInstance(id, passphrase)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	if backupFile != "" {
		data, err := json.MarshalIndent(container, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal backup: %w", err)
		}
		if err = os.WriteFile(backupFile, data, 0600); err != nil {
			return fmt.Errorf("failed to write backup file: %w", err)
		}
	}

	fmt.Printf("Exported backup %s for instance %s (%s)\n",
		container.BackupID, container.InstanceName, container.InstanceID)
	return nil
}

func runBackupImport(cmd *cobra.Command, args []string) error {
	passphrase := backupPassphrase
	var err error
	if passphrase == "" {
		if passphrase, err = promptPassword("Backup passphrase: "); err != nil {
			return err
		}
	}

	if !forceFlag {
		if !promptConfirmation("Restoring replaces the instance's current key material and content. Continue?") {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if fromFile {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read backup file: %w", err)
		}
		var container persist.BackupContainer
		if err = json.Unmarshal(data, &container); err != nil {
			return fmt.Errorf("failed to parse backup file: %w", err)
		}
		if err = registry.ImportInstance(&container, passphrase); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		fmt.Printf("Restored instance %s from %s\n", container.InstanceID, args[0])
		return nil
	}

	if err = registry.ImportBackup(args[0], passphrase); err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	fmt.Printf("Restored backup %s\n", args[0])
	return nil
}

func runBackupList(cmd *cobra.Command, args []string) error {
	backups, err := registry.ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(backups)
	}

	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "BACKUP ID\tINSTANCE\tCREATED\tVALID")
	for _, backup := range backups {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\n",
			backup.BackupID,
			backup.InstanceID,
			backup.BackupTimestamp.Format("2006-01-02 15:04"),
			backup.IsValid)
	}
	return nil
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	if err := registry.DeleteBackup(args[0]); err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	fmt.Printf("Deleted backup %s\n", args[0])
	return nil
}
