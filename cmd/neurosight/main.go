// Command neurosight はNeuroSightのAPIサーバー、ワーカー、運用コマンドを起動する。
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/neurosight/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "neurosight: %v\n", err)
		os.Exit(1)
	}
}
