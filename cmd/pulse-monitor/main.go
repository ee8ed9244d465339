package main

import "github.com/rsnodgrass/go-adtpulse/cmd/pulse-monitor/cmd"

func main() {
	cmd.Execute()
}
