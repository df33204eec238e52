package main

import "github.com/arcward/promptrelay/cmd"

func main() {
	cmd.Execute()
}
