//go:build linux || darwin

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "toptle", "config.yaml"))
	}
	return append(paths,
		filepath.Join(home, ".config", "toptle", "config.yaml"),
		filepath.Join(home, ".toptle.yaml"),
	)
}
