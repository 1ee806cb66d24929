package main

import "github.com/andresmejia3/retouch/cmd"

func main() {
	cmd.Execute()
}
