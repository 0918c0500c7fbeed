package main

import "github.com/kade-ridge/three/cmd"

func main() {
	cmd.Execute()
}
