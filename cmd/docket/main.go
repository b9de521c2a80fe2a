package main

import (
	"os"

	"github.com/nuetzliches/docket/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
