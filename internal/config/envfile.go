package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const envSearchDepth = 6

// LoadEnvFile copies KEY=VALUE pairs from the nearest .env file in the working directory
// or its parents into the environment. Variables that are already set win.
func LoadEnvFile(logger *zap.Logger) {
	path, err := findEnvFile()
	if err != nil {
		logger.Warn("failed to locate .env", zap.Error(err))
		return
	}
	if path == "" {
		logger.Debug(".env not found in current or parent directories")
		return
	}

	file, err := os.Open(path)
	if err != nil {
		logger.Warn("failed to open env file", zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()

	if err := parseEnvFile(file, setIfUnset(logger)); err != nil {
		logger.Warn("failed to load env file", zap.String("path", path), zap.Error(err))
		return
	}
	logger.Info("loaded env file", zap.String("path", path))
}

func setIfUnset(logger *zap.Logger) func(key, value string) {
	return func(key, value string) {
		if _, exists := os.LookupEnv(key); exists {
			return
		}
		if err := os.Setenv(key, value); err != nil {
			logger.Warn("failed to set variable from env file", zap.String("key", key))
		}
	}
}

func findEnvFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for i := 0; i < envSearchDepth; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", nil
}

func parseEnvFile(r io.Reader, set func(key, value string)) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set(key, trimQuotes(strings.TrimSpace(value)))
	}
	return scanner.Err()
}

func trimQuotes(value string) string {
	if len(value) < 2 {
		return value
	}
	if (value[0] == '"' && value[len(value)-1] == '"') ||
		(value[0] == '\'' && value[len(value)-1] == '\'') {
		return value[1 : len(value)-1]
	}
	return value
}
