package main

import "southwinds.dev/strongroom/cli/cmd"

func main() {
	cmd.Execute()
}
