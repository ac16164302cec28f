package main

import "cdp-ledger/internal/cli"

func main() {
	cli.Execute()
}
