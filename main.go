package main

import "github.com/jmehdipour/quota-gateway/cmd"

func main() {
	cmd.Execute()
}
