package main

import "github.com/strafehq/strafe/cmd"

func main() {
	cmd.Execute()
}
