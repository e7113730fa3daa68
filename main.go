// The main package for the seiso executable.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/ThatOneAnimeGuy/seiso/cmd"
)

func main() {
	// A missing .env is fine; real deployments configure the environment.
	_ = godotenv.Load()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
