package common

import (
	"fmt"

	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner followed by the effective agent settings
func PrintBanner(config *Config) {
	banner.PrintSimple("ScanAgent", GetVersion())

	interval, _ := config.Agent.PollEvery()
	queue := config.Queue.BaseURL
	if queue == "" {
		queue = "(not configured)"
	}
	fmt.Printf("  server   http://%s:%d\n", config.Server.Host, config.Server.Port)
	fmt.Printf("  queue    %s\n", queue)
	fmt.Printf("  polling  every %s (enabled=%t)\n", interval, config.Agent.Enabled)
	fmt.Printf("  storage  %s\n\n", config.Storage.Badger.Path)
}
