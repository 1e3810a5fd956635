package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagectl/internal/provider/docker"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Destroy environments left behind by this project's runs",
	Long: `Destroy every environment created for the current project. Useful
after an interrupted run left containers behind.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		driver, err := docker.NewDriver(cwd)
		if err != nil {
			return err
		}
		deleted, err := driver.CleanProject(context.Background(), filepath.Base(cwd))
		if err != nil {
			return err
		}
		for _, name := range deleted {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}
