package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"southwinds.dev/keep"
	"southwinds.dev/keep/audit"
	"southwinds.dev/keep/persist"
)

var (
	cfgFile      string
	keepPath     string
	instanceFlag string

	registry     *keep.Registry
	contentStore *keep.ContentStore
	store        persist.Store
	blobs        persist.BlobStore
	auditLogger  audit.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keep",
	Short: "A multi-profile encrypted personal data vault",
	Long: `Keep manages independently encrypted vault instances (profiles). Each
instance is unlocked by its own password: the password derives a key via
Argon2id which wraps a random data encryption key, and all content is
encrypted with ChaCha20-Poly1305. Sessions can optionally stay unlocked
across restarts via a password-independent session envelope.`,
	PersistentPreRunE: initializeKeep,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var errs []string
		if registry != nil {
			if err := registry.CloseAll(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if auditLogger != nil {
			if err := auditLogger.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %s", strings.Join(errs, "; "))
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keep.yaml)")
	rootCmd.PersistentFlags().StringVarP(&keepPath, "keep-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "i", "", "instance identifier")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, badger, s3)")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to prevent key material being swapped")

	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.path", "keep-path")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.instance", "instance")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.store_type", "store-type")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.memory_lock", "memory-lock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic(rootCmd.PersistentFlags(), "audit.enabled", "audit")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "audit.type", "audit-type")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.region", "s3-region")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.bucket", "s3-bucket")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.prefix", "s3-prefix")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic(rootCmd.PersistentFlags(), "keep.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(flags *pflag.FlagSet, configKey, flagName string) {
	if err := viper.BindPFlag(configKey, flags.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/keep")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keep")
	}

	viper.SetEnvPrefix("KEEP")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}
}

func setDefaults() {
	viper.SetDefault("keep.path", ".keep")
	viper.SetDefault("keep.store_type", "filesystem")
	viper.SetDefault("keep.memory_lock", false)

	viper.SetDefault("keep.s3.region", "us-east-1")
	viper.SetDefault("keep.s3.prefix", "keep/")
	viper.SetDefault("keep.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeKeep(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	keepPath = viper.GetString("keep.path")
	instanceFlag = viper.GetString("keep.instance")

	if err := os.MkdirAll(keepPath, 0700); err != nil {
		return fmt.Errorf("failed to create keep directory: %w", err)
	}

	// Audit log lives next to the vault data unless explicitly placed
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(keepPath, "audit.log"))
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("keep.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	blobs, err = persist.NewFileBlobStore(filepath.Join(keepPath, "content"))
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	options := keep.DefaultOptions()
	options.EnableMemoryLock = viper.GetBool("keep.memory_lock")

	registry = keep.NewRegistry(options, store, blobs, auditLogger)
	contentStore = keep.NewContentStore(blobs, auditLogger)

	return nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:    viper.GetBool("audit.enabled"),
		InstanceID: viper.GetString("keep.instance"),
		Type:       audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		return persist.NewFileSystemStore(keepPath)

	case "badger":
		return persist.NewBadgerStore(filepath.Join(keepPath, "badger"))

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("keep.s3.endpoint"),
			AccessKeyID:     viper.GetString("keep.s3.access_key_id"),
			SecretAccessKey: viper.GetString("keep.s3.secret_access_key"),
			Bucket:          viper.GetString("keep.s3.bucket"),
			KeyPrefix:       viper.GetString("keep.s3.prefix"),
			UseSSL:          viper.GetBool("keep.s3.use_ssl"),
			Region:          viper.GetString("keep.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, badger, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "keep.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "keep.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "keep.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "keep.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

// requireInstance resolves the instance to operate on: the --instance flag
// or, when only one instance exists, that one.
func requireInstance() (string, error) {
	if instanceFlag != "" {
		if _, err := registry.Instance(instanceFlag); err != nil {
			return "", fmt.Errorf("unknown instance %s: %w", instanceFlag, err)
		}
		return instanceFlag, nil
	}

	instances, err := registry.Instances()
	if err != nil {
		return "", fmt.Errorf("failed to list instances: %w", err)
	}
	switch len(instances) {
	case 0:
		return "", fmt.Errorf("no instances exist. Create one with 'keep instance create <name>'")
	case 1:
		return instances[0].ID, nil
	default:
		return "", fmt.Errorf("multiple instances exist. Select one with --instance")
	}
}
