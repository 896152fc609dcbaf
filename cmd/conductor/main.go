// Conductor reconciles provisioned resources against their backends,
// throttles provisioning per service scope and propagates usage and
// pricing to the billing engine.
package main

func main() {
	Execute()
}
