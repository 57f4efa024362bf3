package main

import "github.com/deploymenttheory/go-undelete/cmd"

func main() {
	cmd.Execute()
}
