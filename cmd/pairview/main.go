package main

import "github.com/pairview/pairview/cmd/pairview/cmd"

func main() {
	cmd.Execute()
}
