package main

import "github.com/fodinet/fodibank/internal/cli"

func main() {
	cli.Execute()
}
