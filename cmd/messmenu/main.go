// Command messmenu は食堂メニューのWebサーバーとワーカーを起動する。
//
// 使い方:
//
//	messmenu [serve|worker|migrate [down [N]]|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/messmenu/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "messmenu: %v\n", err)
		os.Exit(1)
	}
}
