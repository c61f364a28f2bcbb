// ballastctl is the read-only operational CLI: it inspects session
// state, storage stats, and the event log directly from the configured
// backend, without going through a running ballastd.
package main

func main() {
	Execute()
}
