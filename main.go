// main.go - Einstiegspunkt des latentd CLI
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/latentd/latentd/cmd"
	"github.com/latentd/latentd/envconfig"
)

func main() {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: envconfig.LogLevel(),
	})
	slog.SetDefault(slog.New(handler))

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
