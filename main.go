package main

import "github.com/ValentinKolb/dVar/cmd"

func main() {
	cmd.Execute()
}
