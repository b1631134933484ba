package main

import (
	"fmt"
	"os"

	"github.com/drand/sealed/internal/sealed-cli"
)

func main() {
	app := sealed.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
