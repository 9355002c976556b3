package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/cmd/marionette/cmds"
)

func main() {
	root := cmds.NewRootCmd()
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
