package main

import "github.com/nextlevelbuilder/fleetd/cmd"

func main() {
	cmd.Execute()
}
