// Package main is the entry point for credmeter.
package main

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	Execute()
}
