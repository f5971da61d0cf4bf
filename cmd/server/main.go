package main

import "github.com/oxide-admin/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
