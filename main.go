package main

import "github.com/tylergannon/quiesce/internal"

func main() {
	internal.Run()
}
