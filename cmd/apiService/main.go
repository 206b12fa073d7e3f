package main

import (
	"bitbucket.org/vgaidys/mediascribe/internal/app/api"
	"github.com/labstack/gommon/color"
)

func main() {
	printBanner()
	api.Execute()
}

var (
	version string
)

func printBanner() {
	banner := `
                   ___           __
   ____ ___  ___  / (_)___ _____/ /_
  / __ ` + "`" + `__ \/ _ \/ / / __ ` + "`" + `/ ___/ __/
 / / / / / /  __/ / / /_/ (__  ) /_
/_/ /_/ /_/\___/_/_/\__,_/____/\__/  api v: %s
%s
________________________________________________________

`
	cl := color.New()
	cl.Printf(banner, cl.Red(version), cl.Green("bitbucket.org/vgaidys/mediascribe"))
}
