// Command smartmark はブックマークサーバーと端末クライアントを提供する。
//
//	smartmark serve | worker | migrate | healthcheck
//	smartmark login | logout | tui | import <file>
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/smartmark/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "smartmark: %v\n", err)
		os.Exit(1)
	}
}
