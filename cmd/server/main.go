package main

import "github.com/dfryer1193/flowbeacon/internal/cli"

var version = "dev"

func main() {
	cli.SetVersion(version)
	cli.Execute()
}
