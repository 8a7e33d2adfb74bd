// Command mmate-host consumes the queues listed in its configuration and
// exposes health and metrics endpoints.
package main

func main() {
	Execute()
}
