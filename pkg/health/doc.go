/*
Package health provides the application-level health checkers the
verifier runs against a target before re-registering it with the load
balancer.

Two checker types mirror what the target group's own probe would do:
HTTP (request the configured path on the health port, accept a
configurable status range) and TCP (plain connect to the traffic port).
Both honor context deadlines; the verifier bounds every attempt.
*/
package health
