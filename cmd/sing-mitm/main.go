package main

import (
	"fmt"
	"os"

	C "github.com/sagernet/sing-mitm/constant"

	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	workingDir   string
	disableColor bool
)

func main() {
	mainCommand := &cobra.Command{
		Use:   "sing-mitm",
		Short: "Intercepting HTTP and HTTPS proxy",
		Long: `sing-mitm is an intercepting proxy.

It accepts explicit HTTP proxy clients and transparently redirected
connections, terminates TLS with certificates issued by its own root
and hands every request, response and WebSocket message to the
configured interceptors.`,
		PersistentPreRunE: preRun,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	mainCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "set configuration file path")
	mainCommand.PersistentFlags().StringVarP(&workingDir, "directory", "D", "", "set working directory")
	mainCommand.PersistentFlags().BoolVarP(&disableColor, "disable-color", "", false, "disable color output")
	mainCommand.AddCommand(
		runCommand(),
		checkCommand(),
		generateCommand(),
		versionCommand(),
	)
	if err := mainCommand.Execute(); err != nil {
		fatal(err)
	}
}

func preRun(cmd *cobra.Command, args []string) error {
	if workingDir != "" {
		_, err := os.Stat(workingDir)
		if err != nil {
			err = os.MkdirAll(workingDir, 0o755)
			if err != nil {
				return err
			}
		}
		err = os.Chdir(workingDir)
		if err != nil {
			return err
		}
		C.SetBasePath(workingDir)
	}
	return nil
}

func fatal(err error) {
	colors := aurora.NewAurora(!disableColor)
	fmt.Fprintln(os.Stderr, colors.Red("FATAL"), err)
	os.Exit(1)
}
