package cmd

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"southwinds.dev/keep"
)

var putCmd = &cobra.Command{
	Use:   "put <path> [file]",
	Short: "Store encrypted content",
	Long:  `Encrypt a file (or stdin when no file is given) under the instance's data encryption key and store it at the given content path.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Retrieve and decrypt content",
	Long:  `Retrieve content from the vault, decrypt it and write it to stdout or --out.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete content",
	Long:  `Delete the encrypted content at the given path. Does not require the instance to be unlocked.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRm,
}

var (
	outFile     string
	showTimings bool
)

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(rmCmd)

	getCmd.Flags().StringVarP(&outFile, "out", "o", "", "write plaintext to this file instead of stdout")
	getCmd.Flags().BoolVar(&showTimings, "timings", false, "print retrieval size and duration to stderr")
}

func runPut(cmd *cobra.Command, args []string) error {
	km, _, err := unlockedManager()
	if err != nil {
		return err
	}
	if err = contentStore.Initialize(km); err != nil {
		return err
	}

	var plaintext []byte
	if len(args) == 2 {
		plaintext, err = os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	} else {
		plaintext, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	if err = contentStore.Store(args[0], plaintext); err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Stored %d bytes at %s\n", len(plaintext), args[0])
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	km, _, err := unlockedManager()
	if err != nil {
		return err
	}
	if err = contentStore.Initialize(km); err != nil {
		return err
	}

	// The metrics callback is asynchronous; the WaitGroup keeps the
	// process alive long enough to print before exit.
	var wg sync.WaitGroup
	var onMetrics keep.MetricsFunc
	if showTimings {
		wg.Add(1)
		onMetrics = func(m keep.RetrievalMetrics) {
			defer wg.Done()
			fmt.Fprintf(os.Stderr, "Retrieved %s: %d bytes in %s\n", m.Path, m.ByteSize, m.Duration)
		}
	}

	plaintext, err := contentStore.MeasureRetrieve(args[0], onMetrics)
	if err != nil {
		return fmt.Errorf("failed to retrieve content: %w", err)
	}

	if outFile != "" {
		if err = os.WriteFile(outFile, plaintext, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
	} else {
		if _, err = os.Stdout.Write(plaintext); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if showTimings {
		wg.Wait()
	}
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	id, err := requireInstance()
	if err != nil {
		return err
	}
	if err = contentStore.Initialize(registry.KeyManager(id)); err != nil {
		return err
	}

	if err = contentStore.Delete(args[0]); err != nil {
		return fmt.Errorf("failed to delete content: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
	return nil
}
