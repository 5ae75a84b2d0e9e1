package main

import "github.com/jywlabs/halloop/cmd"

func main() {
	cmd.Execute()
}
