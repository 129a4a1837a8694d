// Command santhai はSaaS マーケットプレイスのAPIサーバー、ワーカー、CLIを起動する。
//
// 使い方:
//
//	santhai [serve|worker|migrate|healthcheck|login]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/santhai/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "santhai: %v\n", err)
		os.Exit(1)
	}
}
