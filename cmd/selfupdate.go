package cmd

import (
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

const githubRepoSlug = "zonlabs/mcp-assistant"

func newSelfUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-update",
		Short: "Update mcp-assistant to the latest version",
		Long: `Checks GitHub for the latest mcp-assistant release and replaces the
running binary when a newer version exists.`,
		RunE: runSelfUpdate,
	}
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	currentVersion := rootCmd.Version
	if currentVersion == "" || currentVersion == "dev" {
		return fmt.Errorf("cannot self-update a development version")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	logger := newLogger()
	logger.Info("Current version: %s", currentVersion)
	logger.Info("Checking for updates...")

	updater, err := selfupdate.NewUpdater(selfupdate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create updater: %w", err)
	}

	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(githubRepoSlug))
	if err != nil {
		return fmt.Errorf("error detecting latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest release for %s could not be found", githubRepoSlug)
	}
	if !latest.GreaterThan(currentVersion) {
		logger.Success("Current version is the latest")
		return nil
	}

	logger.Info("Found newer version: %s (published at %s)", latest.Version(), latest.PublishedAt)
	if latest.ReleaseNotes != "" {
		fmt.Printf("Release notes:\n%s\n", latest.ReleaseNotes)
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}

	logger.Info("Updating %s to version %s...", exe, latest.Version())
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	logger.Success("Successfully updated to version %s", latest.Version())
	return nil
}
