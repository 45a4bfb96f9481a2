package main

import (
	"context"
	"fmt"
	"os"

	"go.miragespace.co/chordkv/cmd/chordkv"
	"go.miragespace.co/chordkv/util"
)

func main() {
	util.PrettierHelpPrinter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chordkv.App.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
