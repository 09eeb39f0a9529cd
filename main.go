package main

import "github.com/nextlevelbuilder/jagc/cmd"

func main() {
	cmd.Execute()
}
