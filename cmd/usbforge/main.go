package main

import "usbforge/cmd/usbforge/cmd"

func main() {
	cmd.Execute()
}
