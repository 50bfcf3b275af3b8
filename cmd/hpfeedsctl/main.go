// hpfeedsctl -- admin and client CLI for the gohpfeeds broker.
package main

import "github.com/dantte-lp/gohpfeeds/cmd/hpfeedsctl/commands"

func main() {
	commands.Execute()
}
