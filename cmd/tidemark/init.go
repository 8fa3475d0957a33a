package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-sync/tidemark/internal/config"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "data",
	Short:   "Write a settings file with a fresh device id",
	Long:    `Create the settings file named by --config.

The device id is generated once and must stay stable for the lifetime of the
database, so run init before the first write on a device.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(configPath); err == nil && !force {
			fatal("%s already exists (use --force to overwrite)", configPath)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			fatal("%v", err)
		}

		s := config.Default()
		s.ServiceURL, _ = cmd.Flags().GetString("service-url")
		s.ApplicationKey, _ = cmd.Flags().GetString("app-key")
		s.AccountKey, _ = cmd.Flags().GetString("account-key")
		s.EncryptionKey, _ = cmd.Flags().GetString("encryption-key")
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			s.DatabasePath = db
		}
		if err := s.Validate(); err != nil {
			fatal("%v", err)
		}
		if err := config.Save(configPath, s); err != nil {
			fatal("%v", err)
		}

		if jsonOutput {
			printJSON(map[string]string{"config": configPath, "device_id": s.DeviceID})
			return
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), configPath)
		fmt.Println(row("Device", s.DeviceID))
		fmt.Println(row("Database", s.DatabasePath))
		if s.SyncEnabled() {
			fmt.Println(row("Service", s.ServiceURL))
		} else {
			fmt.Println(row("Service", renderMuted("none (sync disabled)")))
		}
	},
}

func init() {
	initCmd.Flags().Bool("force", false, "Overwrite an existing settings file")
	initCmd.Flags().String("service-url", "", "Base URL of the sync service")
	initCmd.Flags().String("app-key", "", "Application key sent to the service")
	initCmd.Flags().String("account-key", "", "Account key sent to the service")
	initCmd.Flags().String("encryption-key", "", "Passphrase for end-to-end encryption of values")
	initCmd.Flags().String("db", "", "Database path, relative to the settings file")
	rootCmd.AddCommand(initCmd)
}
