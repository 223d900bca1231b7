package main

import "github.com/arcward/chatscope/cmd"

func main() {
	cmd.Execute()
}
