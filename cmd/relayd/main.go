package main

import (
	"log"

	"rightly/cmd/internal/passphrase"
	"rightly/services/relayd"
)

func main() {
	resolve := func(envVar string) (string, error) {
		return passphrase.NewSource(envVar, "relayer keystore").Get()
	}
	if err := relayd.Main(resolve); err != nil {
		log.Fatalf("relayd: %v", err)
	}
}
