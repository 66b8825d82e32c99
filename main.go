package main

import "github.com/audiolibrelab/duetcapture/cmd"

func main() {
	cmd.Execute()
}
