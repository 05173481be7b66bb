// Command loom runs the multi-agent orchestration engine: validate
// dependency graphs, execute single runs, and schedule project fleets.
package main

func main() {
	Execute()
}
