package main

import "github.com/ppiankov/tenantwatch/internal/cli"

func main() {
	cli.Execute()
}
