package main

import (
	"context"
	"fmt"
	"os"

	"github.com/webalive/collab-server/internal/app"
)

func main() {
	if err := app.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}
