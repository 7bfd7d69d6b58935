package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/easci/sohbet/internal/daemon"
	"github.com/easci/sohbet/internal/profile"
)

func main() {
	usernameFlag := flag.String("username", "", "local identity (overrides config)")
	configFlag := flag.String("config", "", "config file path (default: profile config)")
	flag.Parse()

	if *usernameFlag != "" {
		if err := profile.ValidateUsername(*usernameFlag); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			Username:   *usernameFlag,
			ConfigPath: *configFlag,
		}),
	)

	app.Run()
}
