package main

import (
	"github.com/joho/godotenv"

	"arbwatch/internal/cli"
)

func main() {
	_ = godotenv.Load()
	cli.Execute()
}
