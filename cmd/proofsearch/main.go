// Package main is the proofsearch entry point.
package main

import "yqhp/proofsearch/cmd"

func main() {
	cmd.Execute()
}
