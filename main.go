package main

import "github.com/nextlevelbuilder/sentryclaw/cmd"

func main() {
	cmd.Execute()
}
