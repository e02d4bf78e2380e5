package main

import "github.com/jake-scott/nest-sdm/cmd"

func main() {
	cmd.Execute()
}
