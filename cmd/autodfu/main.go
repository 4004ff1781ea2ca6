package main

import "github.com/OpenTraceLab/autodfu/cmd/autodfu/cmd"

func main() {
	cmd.Execute()
}
