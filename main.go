package main

import "github.com/tanq16/fetchd/cmd"

func main() {
	cmd.Execute()
}
