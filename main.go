// ./main.go
package main

import (
	"github.com/netvolve/netvolve/cmd"
)

func main() {
	cmd.Execute()
}
