package main

import (
	"os"

	"github.com/Rajchodisetti/pool-sniper/cmd/sniper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
