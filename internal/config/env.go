package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first existing file among paths into the process
// environment so ${VAR} references in the config resolve. Variables already
// set are not overridden. It returns the file loaded, if any.
func LoadDotEnv(paths ...string) (string, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return path, err
		}
		return path, nil
	}
	return "", nil
}
