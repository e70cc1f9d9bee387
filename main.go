package main

import (
	"QFMCast/cmd"
)

func main() {
	cmd.Execute()
}
