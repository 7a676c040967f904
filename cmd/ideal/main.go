package main

import (
	"context"
	"os"

	"github.com/OpenGATE/IDEAL-sub000/internal/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, date)
	os.Exit(cmd.Execute(context.Background()))
}
