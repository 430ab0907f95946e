// Package config defines the vhcid CLI surface and the layered
// JSON/YAML/TOML configuration loading kong.Configuration uses to
// populate it.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// DefaultConfigDir returns the platform-specific configuration
// directory for vhcid.
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, "usbip-vhci"), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "github.com/alia5/usbip-vhci"), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", "github.com/alia5/usbip-vhci"), nil
		}
		return "", errors.New("HOME not set")
	}
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o755)
}

// CandidatePaths builds candidate config paths per format, in priority
// order: an explicit --config path, then the working directory, then
// the per-OS config home, then (on unix) /etc.
func CandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	add := func(slice *[]string, p string) { *slice = append(*slice, p) }

	if userPath != "" {
		switch ext := filepath.Ext(userPath); ext {
		case ".json":
			add(&jsonPaths, userPath)
		case ".yaml", ".yml":
			add(&yamlPaths, userPath)
		case ".toml":
			add(&tomlPaths, userPath)
		default:
			add(&jsonPaths, userPath)
		}
	}

	wd, _ := os.Getwd()
	add(&jsonPaths, filepath.Join(wd, "vhcid.json"))
	add(&yamlPaths, filepath.Join(wd, "vhcid.yaml"))
	add(&yamlPaths, filepath.Join(wd, "vhcid.yml"))
	add(&tomlPaths, filepath.Join(wd, "vhcid.toml"))

	if dir, err := DefaultConfigDir(); err == nil {
		add(&jsonPaths, filepath.Join(dir, "config.json"))
		add(&yamlPaths, filepath.Join(dir, "config.yaml"))
		add(&yamlPaths, filepath.Join(dir, "config.yml"))
		add(&tomlPaths, filepath.Join(dir, "config.toml"))
	}

	if runtime.GOOS != "windows" {
		add(&jsonPaths, filepath.Join("/etc/usbip-vhci", "config.json"))
		add(&yamlPaths, filepath.Join("/etc/usbip-vhci", "config.yaml"))
		add(&yamlPaths, filepath.Join("/etc/usbip-vhci", "config.yml"))
		add(&tomlPaths, filepath.Join("/etc/usbip-vhci", "config.toml"))
	}

	return
}
