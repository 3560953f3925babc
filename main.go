package main

import "github.com/bookline/concierge/cmd"

func main() {
	cmd.Execute()
}
