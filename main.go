package main

import "github.com/vaultstream/vaultstream/cmd"

func main() {
	cmd.Execute()
}
