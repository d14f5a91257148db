package main

import "github.com/crabpot/crabpot/cmd/crabpot/cmd"

func main() {
	cmd.Execute()
}
