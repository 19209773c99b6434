package main

import (
	"os"

	"github.com/meridian-obs/meridian/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
