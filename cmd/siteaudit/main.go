// The main package for the siteaudit executable.
package main

func main() {
	Execute()
}
