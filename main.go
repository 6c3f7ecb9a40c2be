package main

import "loopsync/cmd"

func main() {
	cmd.Execute()
}
