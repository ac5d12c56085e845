package main

import "github.com/tetherws/tether/internal/cli"

func main() {
	cli.Execute()
}
