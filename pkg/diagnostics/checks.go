package diagnostics

import "github.com/fleetmedic/fleetmedic/pkg/types"

// Check is one entry in the diagnostic battery. The command exits
// non-zero when the condition it probes is present.
type Check struct {
	Name     string
	Category types.Classification
	Weight   int
	Command  string
}

// battery is the fixed, ordered set of checks run against every
// instance. Order is stable so stored RawChecks line up across runs.
var battery = []Check{
	{
		Name:     "service-state",
		Category: types.ClassificationApplication,
		Weight:   30,
		Command:  `test "$(systemctl list-units --type=service --state=failed --no-legend | wc -l)" -eq 0`,
	},
	{
		Name:     "cpu-saturation",
		Category: types.ClassificationResourceBottleneck,
		Weight:   20,
		Command:  `awk -v OFS=, '{idle=$5} END {exit (100-idle) > 95 ? 1 : 0}' /proc/loadavg 2>/dev/null || top -bn1 | awk '/Cpu\(s\)/ {exit $2 > 95 ? 1 : 0}'`,
	},
	{
		Name:     "memory-saturation",
		Category: types.ClassificationResourceBottleneck,
		Weight:   20,
		Command:  `free | awk 'NR==2 {exit ($3*100/$2) > 95 ? 1 : 0}'`,
	},
	{
		Name:     "disk-saturation",
		Category: types.ClassificationResourceBottleneck,
		Weight:   25,
		Command:  `df --output=pcent / | awk 'NR==2 {sub("%",""); exit $1 > 95 ? 1 : 0}'`,
	},
	{
		Name:     "agent-connectivity",
		Category: types.ClassificationAgentFailure,
		Weight:   40,
		Command:  `systemctl is-active amazon-ssm-agent || systemctl is-active ssm-agent`,
	},
	{
		Name:     "os-error-counters",
		Category: types.ClassificationOSLevel,
		Weight:   35,
		Command:  `test "$(journalctl -p err -S -10min --no-pager | wc -l)" -lt 50`,
	},
	{
		Name:     "network-reachability",
		Category: types.ClassificationNetwork,
		Weight:   40,
		Command:  `netstat -i | awk 'NR>2 {drops+=$5+$9} END {exit drops > 100 ? 1 : 0}' && ping -c1 -W2 $(ip route | awk '/default/ {print $3; exit}')`,
	},
	{
		Name:     "filesystem-integrity",
		Category: types.ClassificationDiskCorruption,
		Weight:   50,
		Command:  `test "$(dmesg | grep -ci 'I/O error\|EXT4-fs error\|XFS.*corruption')" -eq 0 && touch /var/tmp/.fleetmedic-write-probe && rm -f /var/tmp/.fleetmedic-write-probe`,
	},
}

// Battery returns the check battery in execution order.
func Battery() []Check {
	return append([]Check(nil), battery...)
}

// tieBreak orders categories for ties in cumulative failing weight.
// Lower index wins.
var tieBreak = map[types.Classification]int{
	types.ClassificationNetwork:            0,
	types.ClassificationDiskCorruption:     1,
	types.ClassificationAgentFailure:       2,
	types.ClassificationOSLevel:            3,
	types.ClassificationResourceBottleneck: 4,
	types.ClassificationApplication:        5,
}
