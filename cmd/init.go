package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-catalog/pkg/buildinfo"
	"github.com/paulschiretz/pgl-catalog/pkg/config"
	"github.com/paulschiretz/pgl-catalog/pkg/engine"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	base, err := requireString(flagMap, "base", flagparse.Init)
	if err != nil {
		return err
	}
	absBasePath, err := util.ExpandedAbsPath(base)
	if err != nil {
		return fmt.Errorf("could not determine absolute base path for %s: %w", base, err)
	}
	absBasePath = util.DenormalizePath(absBasePath)
	absConfigFilePath := filepath.Join(absBasePath, config.ConfigFileName)

	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if initDefault {
		if !force {
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// config.Load returns the defaults if the file does not exist.
		baseConfig, err = config.Load(absBasePath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	runConfig.Base = absBasePath
	if err := runConfig.Validate(); err != nil {
		return err
	}
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	startTime := time.Now()

	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	// Opening creates the archive root and the catalog schema.
	e, err := engine.Open(ctx, runConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	if err := e.Close(); err != nil {
		return err
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" base successfully initialized.", "base", absBasePath, "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
