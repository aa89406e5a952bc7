// Throttlegate is an API gateway that admits requests through adaptive,
// priority-aware rate limiters keyed by API key and route.
//
// Usage:
//
//	# Start the gateway
//	throttlegate serve --config config.yaml
//
//	# Validate a config file and print the resolved limits
//	throttlegate check --config config.yaml
//
//	# Drive a limiter with synthetic load
//	throttlegate simulate --rate 10 --callers 20 --duration 3s
package main

func main() {
	Execute()
}
