package main

import (
	"log"

	"guardiansettle/services/settled"
)

func main() {
	if err := settled.Main(); err != nil {
		log.Fatalf("settled: %v", err)
	}
}
