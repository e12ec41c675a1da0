package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/shellgate/internal/config"
	"github.com/ppiankov/shellgate/internal/denylist"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration and deny list",
	Long: `Creates the config file (--config, $SHELLGATE_CONFIG or
~/.shellgate/config.yaml) and ~/.shellgate/denylist.yaml with the built-in
defaults. Existing files are kept unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ResolvePath(flagConfig, os.Getenv)
	if configPath == "" {
		return fmt.Errorf("cannot determine config path: set --config or SHELLGATE_CONFIG")
	}
	var created []string

	cfgContent, err := defaultConfigYAML()
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(configPath, cfgContent); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	denylistFile := denylist.DefaultPath()
	if denylistFile == "" {
		return fmt.Errorf("cannot determine home directory for the deny list")
	}
	dlContent, err := defaultDenylistYAML()
	if err != nil {
		return fmt.Errorf("generate default denylist: %w", err)
	}
	if wrote, err := writeIfMissing(denylistFile, dlContent); err != nil {
		return err
	} else if wrote {
		created = append(created, denylistFile)
	}

	w := os.Stdout
	fmt.Fprintln(w, "shellgate init complete.")
	fmt.Fprintln(w)
	if len(created) > 0 {
		fmt.Fprintln(w, "Created:")
		for _, path := range created {
			fmt.Fprintf(w, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(w, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Start a session:")
	fmt.Fprintln(w, "  shellgate")
	fmt.Fprintln(w, "then type an instruction after '# ' at the prompt.")
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

func defaultConfigYAML() (string, error) {
	data, err := config.DefaultConfig().Marshal()
	if err != nil {
		return "", err
	}
	header := "# shellgate configuration.\n" +
		"# Durations use Go syntax (30s, 5m). Risk levels: read_only, build_test,\n" +
		"# write, destructive, network, privileged.\n" +
		"#\n" +
		"# Changes to this file are picked up by running sessions between turns.\n\n"
	return header + string(data), nil
}

// defaultDenylistYAML generates a commented default denylist.yaml.
func defaultDenylistYAML() (string, error) {
	data, err := denylist.NewDefault().Marshal()
	if err != nil {
		return "", err
	}
	header := "# shellgate deny list: commands that are never run.\n" +
		"# commands: substring match. binaries: program names. files: glob patterns.\n" +
		"# Entries here are added to the built-in list, which cannot be shrunk.\n\n"
	return header + string(data), nil
}
