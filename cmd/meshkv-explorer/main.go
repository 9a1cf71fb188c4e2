// Command meshkv-explorer is the interactive client: it connects to a
// single gossip node and issues get/set/link/trust commands against it.
package main

import (
	"os"

	"github.com/blindxfish/meshkv/explorer"
)

func main() {
	c := explorer.New(os.Stdout)
	c.Run(os.Stdin)
}
