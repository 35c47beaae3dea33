package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/peerlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
}
