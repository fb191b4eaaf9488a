package main

import "github.com/wellspend/afeguard/internal/cli"

func main() {
	cli.Execute()
}
