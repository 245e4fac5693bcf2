package main

import (
	"log"

	"algobounty/services/escrowd"
)

func main() {
	if err := escrowd.Main(); err != nil {
		log.Fatalf("escrowd: %v", err)
	}
}
