package main

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

//go:embed templates/main.go.tmpl
var mainScaffold []byte

//go:embed templates/Dockerfile
var dockerfileScaffold []byte

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Scaffold a new test project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildPath := "."

			if len(args) > 0 {
				buildPath = args[0]
			}

			if err := os.MkdirAll(buildPath, 0o755); err != nil {
				return fmt.Errorf("error creating project directory: %w", err)
			}

			wrote, err := writeIfAbsent(filepath.Join(buildPath, "Dockerfile"), dockerfileScaffold)

			if err != nil {
				return err
			}

			if wrote {
				fmt.Println("Added Dockerfile")
			}

			wrote, err = writeIfAbsent(filepath.Join(buildPath, "main.go"), mainScaffold)

			if err != nil {
				return err
			}

			if wrote {
				fmt.Println("Added main.go")
			}

			return nil
		},
	}
}

// writeIfAbsent writes content to path unless the file already exists.
func writeIfAbsent(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("error checking %s: %w", path, err)
	}

	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("error writing %s: %w", path, err)
	}

	return true, nil
}
