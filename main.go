package main

import "github.com/yamiyamiorg/CookieProfile/cmd"

func main() {
	cmd.Execute()
}
