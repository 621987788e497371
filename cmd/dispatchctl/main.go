package main

import "EnrollDispatch/cmd/dispatchctl/commands"

func main() {
	commands.Execute()
}
