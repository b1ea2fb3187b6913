// Package dotenv loads optional .env files for the vai-call binary.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved and a missing
// file is not an error.
func LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFiles loads each path in order. Earlier files win since existing keys
// are never overwritten.
func LoadFiles(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}
