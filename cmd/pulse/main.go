package main

import (
	"os"

	"ember.fyi/pulse/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
