// Command rimontctl manages gateway instances and inspects the dead-letter log.
package main

func main() {
	execute()
}
