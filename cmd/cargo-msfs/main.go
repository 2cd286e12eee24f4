package main

import "cargomsfs/internal/cli"

func main() {
	cli.Execute()
}
