//go:build !windows

package main

import (
	"fmt"
	"os"
)

// detectShell picks the shell to run when no command is given: $SHELL
// first, then the usual suspects.
func detectShell() (string, error) {
	if shell := os.Getenv("SHELL"); shell != "" && isExecutable(shell) {
		return shell, nil
	}
	for _, candidate := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no command given and no shell found (checked $SHELL, /bin/bash, /bin/zsh, /bin/sh)")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode()&0o111 != 0
}
