package main

import (
	"github.com/cutso/tornado-redisclient/cmd"
)

func main() {
	cmd.Execute()
}
