// Command meshkv-node runs a single gossip node: it binds a UDP socket,
// generates (or could load) an identity, and serves the gossip protocol
// until interrupted.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/blindxfish/meshkv/identity"
	"github.com/blindxfish/meshkv/node"
	"github.com/blindxfish/meshkv/nodeconfig"
	"github.com/blindxfish/meshkv/statusapi"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	statusAddr := flag.String("status-addr", "", "optional address to serve the read-only status API on")
	flag.Parse()

	positionalAddr := ""
	if flag.NArg() > 0 {
		positionalAddr = flag.Arg(0)
	}

	cfg, err := nodeconfig.Resolve(*configPath, positionalAddr)
	if err != nil {
		log.Fatalf("meshkv-node: resolve config: %v", err)
	}

	id, err := identity.Generate()
	if err != nil {
		log.Fatalf("meshkv-node: generate identity: %v", err)
	}
	log.Printf("meshkv-node: identity %s", id.ID())

	n, err := node.New(id, cfg.BindAddr)
	if err != nil {
		log.Fatalf("meshkv-node: bind %s: %v", cfg.BindAddr, err)
	}
	log.Printf("meshkv-node: listening on %s", n.LocalAddr())

	var status *statusapi.Server
	if *statusAddr != "" {
		status = statusapi.New(*statusAddr, n)
		if err := status.Start(); err != nil {
			log.Fatalf("meshkv-node: start status api: %v", err)
		}
	}

	go n.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Printf("meshkv-node: shutting down")
	n.Stop()
	if err := n.Close(); err != nil {
		log.Printf("meshkv-node: close socket: %v", err)
	}
	if status != nil {
		if err := status.Stop(); err != nil {
			log.Printf("meshkv-node: stop status api: %v", err)
		}
	}
}
