// viessprobe detects the device type of a Viessmann heating controller on
// an optolink serial port.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
