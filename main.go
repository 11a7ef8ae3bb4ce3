package main

import "github.com/tvgrid/pairgate/cmd"

func main() {
	cmd.Execute()
}
