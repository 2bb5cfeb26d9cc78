// Command sop serves and inspects an entity API.
package main

func main() {
	Execute()
}
