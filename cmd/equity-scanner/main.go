package main

import (
	"equity-scanner/internal/cli"
)

func main() {
	cli.Execute()
}
