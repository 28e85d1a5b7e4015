package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/keep"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Set up key material for an instance",
	Long: `Create key material for a fresh instance: a password-derived wrapping key
protecting a new random data encryption key. Fails if the instance is
already set up.`,
	RunE: runSetup,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock an instance with its password",
	Long: `Verify the instance password and load the data encryption key. With
--stay-unlocked a session envelope is persisted so later commands can run
without the password until 'keep lock --forget-session' or
'keep forget-session'. Anyone with access to the stored session envelope
can unlock the instance without the password; only use --stay-unlocked on
storage you trust.`,
	RunE: runUnlock,
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock an instance",
	Long:  `Zeroize the in-memory data encryption key. With --forget-session the persisted session envelope is deleted as well.`,
	RunE:  runLock,
}

var keyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instance key status",
	Long:  `Display key material presence, session persistence and memory protection for an instance.`,
	RunE:  runKeyStatus,
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change an instance password",
	Long: `Re-wrap the instance's data encryption key under a new password. Content
is not re-encrypted; only the key wrapping changes. Any persisted session
is invalidated.`,
	RunE: runPasswd,
}

var forgetSessionCmd = &cobra.Command{
	Use:   "forget-session",
	Short: "Delete the persisted session envelope",
	Long:  `Revoke "stay unlocked" for an instance without requiring its password.`,
	RunE:  runForgetSession,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroy all key material for an instance",
	Long: `Irreversibly destroy the instance's key material and session state. All
content encrypted under the instance's key becomes permanently
unreadable. Run before 'keep instance delete'.`,
	RunE: runReset,
}

var (
	stayUnlocked  bool
	clearSession  bool
	passwordValue string
)

func init() {
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(keyStatusCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(forgetSessionCmd)
	rootCmd.AddCommand(resetCmd)

	unlockCmd.Flags().BoolVar(&stayUnlocked, "stay-unlocked", false, "persist a session envelope so the password is not needed again")
	unlockCmd.Flags().StringVar(&passwordValue, "password", "", "instance password (prompted when omitted)")
	setupCmd.Flags().StringVar(&passwordValue, "password", "", "instance password (prompted when omitted)")
	lockCmd.Flags().BoolVar(&clearSession, "forget-session", false, "also delete the persisted session envelope")
	resetCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation prompt")
}

func runSetup(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	password := passwordValue
	if password == "" {
		if password, err = promptNewPassword("New password: "); err != nil {
			return err
		}
	}

	km := registry.KeyManager(id)
	ok, err := km.Setup(password)
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("instance %s is already set up", id)
	}

	fmt.Printf("Instance %s set up and unlocked.\n", id)
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	password := passwordValue
	if password == "" {
		if password, err = promptPassword("Password: "); err != nil {
			return err
		}
	}

	km := registry.KeyManager(id)
	ok, err := km.Unlock(password, stayUnlocked)
	if err != nil {
		return fmt.Errorf("unlock failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("incorrect password")
	}

	if stayUnlocked {
		fmt.Printf("Instance %s unlocked; session persisted.\n", id)
	} else {
		fmt.Printf("Instance %s unlocked.\n", id)
	}
	return nil
}

func runLock(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	if err = registry.KeyManager(id).Lock(clearSession); err != nil {
		return fmt.Errorf("lock failed: %w", err)
	}

	fmt.Printf("Instance %s locked.\n", id)
	return nil
}

func runKeyStatus(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	km := registry.KeyManager(id)
	status, err := km.Status()
	if err != nil {
		return fmt.Errorf("failed to read key status: %w", err)
	}

	fmt.Println("Instance Status")
	fmt.Println("===============")
	fmt.Printf("Instance:          %s\n", id)
	fmt.Printf("Set up:            %v\n", status.SetUp())
	fmt.Printf("Session persisted: %v\n", status.SessionPersisted())
	fmt.Printf("Unlocked:          %v\n", km.IsUnlocked())
	fmt.Printf("Memory protection: %s\n", registry.MemoryProtection())
	return nil
}

func runPasswd(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	oldPassword, err := promptPassword("Current password: ")
	if err != nil {
		return err
	}
	newPassword, err := promptNewPassword("New password: ")
	if err != nil {
		return err
	}

	ok, err := registry.KeyManager(id).ChangePassword(oldPassword, newPassword)
	if err != nil {
		return fmt.Errorf("password change failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("incorrect password")
	}

	fmt.Printf("Password changed for instance %s. Persisted sessions were invalidated.\n", id)
	return nil
}

func runForgetSession(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	if err = registry.KeyManager(id).DeleteSessionKeys(); err != nil {
		return fmt.Errorf("failed to delete session keys: %w", err)
	}

	fmt.Printf("Persisted session deleted for instance %s.\n", id)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}

	if !forceFlag {
		if !promptConfirmation(fmt.Sprintf(
			"Reset instance %s? All encrypted content becomes permanently unreadable.", id)) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if err = registry.KeyManager(id).Reset(); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}

	fmt.Printf("Instance %s reset. Run 'keep instance delete %s' to remove it from the catalog.\n", id, id)
	return nil
}

// unlockedManager returns the key manager for the selected instance,
// attempting a password-less session restore when it is not already
// unlocked in this process.
func unlockedManager() (*keep.KeyManager, string, error) {
	id, err := requireInstance()
	if err != nil {
		return nil, "", err
	}

	km := registry.KeyManager(id)
	if km.IsUnlocked() {
		return km, id, nil
	}

	restored, err := km.RestoreSession()
	if err != nil {
		return nil, "", fmt.Errorf("session restore failed: %w", err)
	}
	if restored {
		return km, id, nil
	}

	password, err := promptPassword("Password: ")
	if err != nil {
		return nil, "", err
	}
	ok, err := km.Unlock(password, false)
	if err != nil {
		return nil, "", fmt.Errorf("unlock failed: %w", err)
	}
	if !ok {
		return nil, "", fmt.Errorf("incorrect password")
	}
	return km, id, nil
}
