package main

import "github.com/andresmejia3/wakewire/cmd"

func main() {
	cmd.Execute()
}
