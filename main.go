package main

import "voyageingest/cmd"

func main() {
	cmd.Execute()
}
