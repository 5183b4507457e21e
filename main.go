package main

import "github.com/AvaProtocol/bundler-executor/cmd"

func main() {
	cmd.Execute()
}
