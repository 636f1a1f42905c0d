// Package banner prints the startup banner shared by the calltap
// binaries.
package banner

import "fmt"

const logo = `
======================================================================
           _ _ _
  ___ __ _| | | |_ __ _ _ __
 / __/ _` + "`" + ` | | | __/ _` + "`" + ` | '_ \
| (_| (_| | | | || (_| | |_) |
 \___\__,_|_|_|\__\__,_| .__/
                       |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one labelled value shown under the service name.
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the logo, the service name and its configuration, with
// labels padded to a common width.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Println(serviceName)

	width := 0
	for _, c := range config {
		if len(c.Label) > width {
			width = len(c.Label)
		}
	}
	for _, c := range config {
		fmt.Printf("  %-*s : %s\n", width, c.Label, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
