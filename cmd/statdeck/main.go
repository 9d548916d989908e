package main

import "github.com/bryanchriswhite/StatDeck/cmd/statdeck/commands"

func main() {
	commands.Execute()
}
