package main

import "github.com/frahmantamala/followup-payments/cmd"

func main() {
	cmd.Execute()
}
