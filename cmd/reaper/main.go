package main

import "github.com/DrSkyle/reaper/cmd/reaper/commands"

func main() {
	commands.Execute()
}
