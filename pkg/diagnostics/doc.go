// Package diagnostics classifies why an instance is unhealthy.
//
// A fixed battery of remote checks probes the usual suspects: failed
// services, CPU/memory/disk saturation, agent connectivity, OS error
// counters, network reachability, and filesystem integrity. Each check
// is a shell command that exits non-zero when the condition is present,
// carries a category and a weight, and runs under its own timeout. A
// check that cannot complete counts as a failure of whatever it probes.
//
// The classification is the category with the highest cumulative failing
// weight, and the severity score is the failing share of the total
// battery weight on a 0..100 scale. If the whole battery cannot finish
// inside its deadline the run is marked inconclusive and classified
// unknown, which downstream stages treat conservatively.
package diagnostics
