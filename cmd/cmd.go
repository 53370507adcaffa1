// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/latentd/latentd/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "latentd",
		Short:         "Adapter network tooling and model cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	inspectCmd := newInspectCmd()
	resizeCmd := newResizeCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	appendEnvDocs(resizeCmd, []envconfig.EnvVar{
		envVars["LATENTD_DEBUG"],
		envVars["LATENTD_SVD_DEVICE"],
	})

	rootCmd.AddCommand(
		inspectCmd,
		resizeCmd,
		envCmd,
	)

	return rootCmd
}
