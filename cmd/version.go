package cmd

import "fmt"

// RunVersion prints the application version.
func RunVersion(appName, appVersion string) error {
	fmt.Fprintf(Output, "%s version %s\n", appName, appVersion)
	return nil
}
