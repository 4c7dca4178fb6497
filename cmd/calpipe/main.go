// Command calpipe runs calibration pipeline recipes.
package main

import "github.com/papapumpkin/calpipe/cmd"

func main() {
	cmd.Execute()
}
