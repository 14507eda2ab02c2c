package main

import "github.com/zonlabs/mcp-assistant-sub001/cmd"

// Version can be set during build with -ldflags
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
