package main

import (
	"buoywatch/internal/cli"
)

func main() {
	cli.Execute()
}
