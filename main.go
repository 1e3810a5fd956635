package main

import "github.com/stagehq/stagectl/cmd"

func main() {
	cmd.Execute()
}
