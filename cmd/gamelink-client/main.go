package main

import "gamelink/cmd/gamelink-client/command"

func main() {
	command.Execute()
}
