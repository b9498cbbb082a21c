package main

import "promrelay/cmd"

func main() {
	cmd.Execute()
}
