//go:build darwin

package config

import (
	"os"
	"os/exec"
	"path/filepath"
)

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "seabone")
	}
	return "seabone-data"
}

func apiKeyHint() string {
	return " or store it in macOS Keychain (service: seabone, account: reasoning_api_key)"
}

func keychainGet(service, account string) ([]byte, error) {
	return exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
}
