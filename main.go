package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tphakala/xrayscan/cmd"
	"github.com/tphakala/xrayscan/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=..."
var (
	version   = "Development Build"
	buildDate = "unknown"
)

func main() {
	info := buildinfo.NewContext(version, buildDate)

	if err := cmd.RootCommand(info).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
