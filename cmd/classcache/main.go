package main

import "github.com/scttfrdmn/classcache/internal/cli"

func main() {
	cli.Execute()
}
