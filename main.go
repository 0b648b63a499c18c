// osbuild-go builds reproducible OS artifacts from a declarative manifest.
//
// Invoked normally it runs the cobra CLI (see cmd/). Invoked as its own
// re-exec target (see buildroot.Sandbox.Run) it instead sets up and execs
// into a stage's build root.
package main

import (
	"fmt"
	"os"

	"osbuild-go/buildroot"
	"osbuild-go/cmd"
)

func main() {
	if buildroot.IsReexecInit(os.Args) {
		if err := buildroot.RunInit(); err != nil {
			fmt.Fprintln(os.Stderr, "osbuild-go:", err)
			os.Exit(1)
		}
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "osbuild-go:", err)
		os.Exit(1)
	}
}
