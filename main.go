package main

import "github.com/billm/baaaht/awareness/cmd"

func main() {
	cmd.Execute()
}
