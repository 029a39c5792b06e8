package main

import "heirloom/internal/cli"

// Operator CLI entrypoint: plan previews, schema migration and the worker.
func main() {
	cli.Main()
}
