package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-catalog/pkg/config"
	"github.com/paulschiretz/pgl-catalog/pkg/engine"
	"github.com/paulschiretz/pgl-catalog/pkg/flagparse"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
	"github.com/paulschiretz/pgl-catalog/pkg/util"
)

// Output receives command results such as listings and JSON documents. Logs
// go to plog's output instead.
var Output io.Writer = os.Stdout

// requireString returns the string flag name or an error naming the command.
func requireString(flagMap map[string]any, name string, command flagparse.Command) (string, error) {
	v, ok := flagMap[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("the -%s flag is required to run %s", name, command)
	}
	return v, nil
}

// loadRunConfig resolves -base, loads its config file and merges the set
// flags over it. Every command but init needs an existing base directory.
func loadRunConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	base, err := requireString(flagMap, "base", command)
	if err != nil {
		return config.Config{}, err
	}
	absBasePath, err := util.ExpandedAbsPath(base)
	if err != nil {
		return config.Config{}, fmt.Errorf("base path invalid: %w", err)
	}
	absBasePath = util.DenormalizePath(absBasePath)

	if command != flagparse.Init {
		if _, err := os.Stat(absBasePath); os.IsNotExist(err) {
			return config.Config{}, fmt.Errorf("base path '%s' does not exist", absBasePath)
		}
	}

	loadedConfig, err := config.Load(absBasePath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from base: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)
	runConfig.Base = absBasePath

	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	return runConfig, nil
}

// openEngine loads the run config and opens an engine on it. The caller
// closes the engine.
func openEngine(ctx context.Context, command flagparse.Command, flagMap map[string]any) (*engine.Engine, error) {
	runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return nil, err
	}
	runConfig.LogSummary()
	return engine.Open(ctx, runConfig)
}
