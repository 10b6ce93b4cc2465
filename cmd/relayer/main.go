package main

import "position-relayer/internal/cli"

func main() {
	cli.Execute()
}
