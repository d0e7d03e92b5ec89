package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"

	"github.com/loykin/runreaper"
	"github.com/loykin/runreaper/internal/logger"
)

var dsnPassword = regexp.MustCompile(`(?i)(password=)('[^']*'|\S+)`)

// redactDSN masks the password in URL and key=value connection strings.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}xxxxx")
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// loadConfig loads the config file (optional) and installs the configured
// logger as the default. The returned closer releases the log file.
func loadConfig(path string) (*runreaper.Config, *slog.Logger, io.Closer, error) {
	cfg, err := runreaper.LoadConfig(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error creating logger: %w", err)
	}
	slog.SetDefault(log)
	return cfg, log, closer, nil
}
