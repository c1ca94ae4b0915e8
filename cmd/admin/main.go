package main

import (
	"errors"
	"os"

	"unisync/internal/config"
	"unisync/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.Production())

	cli := commandLine{cfg: cfg, out: os.Stdout}
	if err := cli.run(os.Args); err != nil {
		if !errors.Is(err, errHelp) {
			logger.Error("admin command failed", "error", err)
		}
		os.Exit(1)
	}
}
