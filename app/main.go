package main

import "github.com/sun89/VpnTcpProxy/app/cmd"

func main() {
	cmd.Execute()
}
