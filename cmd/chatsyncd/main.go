package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/marreiros/chatsync/internal/daemon"
	"github.com/marreiros/chatsync/internal/profile"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (defaults to \"main\")")
	flag.Parse()

	name := *profileFlag
	if name == "" {
		name = profile.DefaultName
	}
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: name}),
	)

	app.Run()
}
