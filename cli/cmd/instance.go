package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage vault instances",
	Long:  `Manage vault instances (profiles) including listing, creating, and deleting.`,
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new instance",
	Long:  `Create a new vault instance. The instance has no key material until 'keep setup' is run for it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceCreate,
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all instances",
	Long:  `List all vault instances, most recently used first.`,
	RunE:  runInstanceList,
}

var instanceDeleteCmd = &cobra.Command{
	Use:   "delete <instance-id>",
	Short: "Delete an instance",
	Long: `Delete a vault instance and its content. The instance's key material must
be destroyed first with 'keep reset'; deletion refuses to run while key
material still exists.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstanceDelete,
}

var (
	jsonOutput bool
	forceFlag  bool
)

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceDeleteCmd)

	instanceListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	instanceDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation prompt")
}

func runInstanceCreate(cmd *cobra.Command, args []string) error {
	instance, err := registry.CreateInstance(args[0])
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}

	fmt.Printf("Created instance %s (%s)\n", instance.Name, instance.ID)
	fmt.Println("Run 'keep setup --instance " + instance.ID + "' to set its password.")
	return nil
}

func runInstanceList(cmd *cobra.Command, args []string) error {
	instances, err := registry.Instances()
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(instances)
	}

	if len(instances) == 0 {
		fmt.Println("No instances found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST ACCESSED")
	for _, instance := range instances {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			instance.ID,
			instance.Name,
			instance.CreatedAt.Format("2006-01-02 15:04"),
			instance.LastAccessedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runInstanceDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	if !forceFlag {
		if !promptConfirmation(fmt.Sprintf("Delete instance %s and all its content?", id)) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err := registry.DeleteInstance(id); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	fmt.Printf("Deleted instance %s\n", id)
	return nil
}
