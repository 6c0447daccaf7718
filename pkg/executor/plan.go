package executor

import (
	"time"

	"github.com/fleetmedic/fleetmedic/pkg/types"
)

// repairPlan is the command sequence and time budget for repairing one
// failure class in place.
type repairPlan struct {
	commands []string
	timeout  time.Duration
}

// repairPlans maps each repairable classification to its plan. Classes
// that the decision engine routes to replacement have no entry; an
// action that arrives with one anyway falls back to defaultPlan.
var repairPlans = map[types.Classification]repairPlan{
	types.ClassificationApplication: {
		commands: []string{
			`systemctl reset-failed`,
			`for unit in $(systemctl list-units --type=service --state=failed --no-legend | awk '{print $1}'); do systemctl restart "$unit"; done`,
		},
		timeout: 5 * time.Minute,
	},
	types.ClassificationResourceBottleneck: {
		commands: []string{
			`sync && sysctl -w vm.drop_caches=3`,
			`journalctl --vacuum-size=200M`,
			`find /tmp -type f -atime +1 -delete`,
		},
		timeout: 10 * time.Minute,
	},
	types.ClassificationAgentFailure: {
		commands: []string{
			`systemctl restart amazon-ssm-agent || systemctl restart ssm-agent`,
		},
		timeout: 15 * time.Minute,
	},
	types.ClassificationNetwork: {
		commands: []string{
			`systemctl restart systemd-networkd || systemctl restart NetworkManager`,
		},
		timeout: 10 * time.Minute,
	},
}

var defaultPlan = repairPlan{
	commands: []string{`systemctl reset-failed`},
	timeout:  5 * time.Minute,
}

func planFor(classification types.Classification) repairPlan {
	if plan, ok := repairPlans[classification]; ok {
		return plan
	}
	return defaultPlan
}

// RepairCommands returns the command sequence for a classification, in
// execution order.
func RepairCommands(classification types.Classification) []string {
	return append([]string(nil), planFor(classification).commands...)
}
