package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/biplob-g/weeziq-relay/internal/app"
)

func main() {
	_ = godotenv.Load()

	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
