package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	C "github.com/sagernet/sing-mitm/constant"

	"github.com/spf13/cobra"
)

func versionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print current version of sing-mitm",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(C.Version)
				return
			}
			fmt.Println("sing-mitm version", C.Version)
			fmt.Println()
			fmt.Println("Environment:", runtime.Version(), runtime.GOOS+"/"+runtime.GOARCH)
			if buildInfo, loaded := debug.ReadBuildInfo(); loaded {
				for _, setting := range buildInfo.Settings {
					if setting.Key == "vcs.revision" {
						fmt.Println("Revision:", setting.Value)
					}
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&short, "name", "n", false, "print version name only")
	return cmd
}
