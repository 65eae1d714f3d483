package main

import "github.com/mediocregopher/redpub/cmd/redpub/commands"

func main() {
	commands.Execute()
}
