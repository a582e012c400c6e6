package main

import "github.com/we-make-money/midjourney-proxy/services/server/cli"

func main() {
	cli.Execute()
}
