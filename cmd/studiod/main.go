package main

import (
	"log"

	studiod "clipstudio/services/studiod"
)

func main() {
	if err := studiod.Main(); err != nil {
		log.Fatalf("studiod: %v", err)
	}
}
