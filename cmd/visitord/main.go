package main

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

func main() {
	err := rootCmd.Execute()
	// Flush buffered events before the program terminates.
	sentry.Flush(2 * time.Second)
	if err != nil {
		os.Exit(1)
	}
}
