// Command stache reads and writes the stache providers from the shell.
package main

import "github.com/nimburion/stache/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{Name: "stache"}))
}
