package controlplane

import (
	"fmt"
	"strconv"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/topology"
)

// Queue indexes. Each queue is HTB class 1:<index>0 with a netem child.
const (
	QueueGround = 5 // satellite queue toward served facilities
	QueueSat    = 1 // facility queue toward its serving satellite
)

// RoleQueue returns the satellite queue for a static link role: up 1, down 2,
// left 3, right 4.
func RoleQueue(r topology.Role) int { return int(r) + 1 }

const bridge = "br0"

func resetOVS() string {
	return "ovs-ofctl del-flows " + bridge + " && systemctl restart openvswitch-switch"
}

// allowSSH lets management traffic from the uplink reach a VM.
func allowSSH(uplink int, vmIP string, vmPort int) string {
	return fmt.Sprintf("ovs-ofctl add-flow %s tcp,in_port=%d,tcp_dst=22,nw_dst=%s,actions=output:%d", bridge, uplink, vmIP, vmPort)
}

// clearFlows removes the forwarding flows of traffic entering from a VM port.
func clearFlows(port int) string {
	return fmt.Sprintf("ovs-ofctl del-flows %s ip,in_port=%d", bridge, port)
}

// forwardFlow outputs src→dst traffic entering at inPort to outPort,
// rewriting the destination MAC when mac is set.
func forwardFlow(inPort int, srcIP, dstIP string, outPort int, mac string) string {
	actions := fmt.Sprintf("output:%d", outPort)
	if mac != "" {
		actions = "mod_dl_dst:" + mac + "," + actions
	}
	return fmt.Sprintf("ovs-ofctl add-flow %s ip,in_port=%d,nw_src=%s,nw_dst=%s,actions=%s", bridge, inPort, srcIP, dstIP, actions)
}

func cleanTC(nic string) string {
	return "tc qdisc del dev " + nic + " root 2>/dev/null || true"
}

func initTC(nic string) []string {
	return []string{
		"tc qdisc add dev " + nic + " root handle 1: htb",
		"tc class add dev " + nic + " parent 1: classid 1:1 htb rate 50mbit",
	}
}

func formatDelay(ms float64) string {
	return strconv.FormatFloat(ms, 'f', 3, 64) + "ms"
}

func addQueue(nic string, index int, delayMs float64) []string {
	return []string{
		fmt.Sprintf("tc class add dev %s parent 1:1 classid 1:%d0 htb rate 10mbit", nic, index),
		fmt.Sprintf("tc qdisc add dev %s parent 1:%d0 netem delay %s", nic, index, formatDelay(delayMs)),
	}
}

func changeQueue(nic string, index int, delayMs float64) string {
	return fmt.Sprintf("tc qdisc change dev %s parent 1:%d0 netem delay %s", nic, index, formatDelay(delayMs))
}

func clearFilters(nic string) string {
	return "tc filter del dev " + nic + " parent 1: prio 1 2>/dev/null || true"
}

func addFilter(nic, dstIP string, index int) string {
	return fmt.Sprintf("tc filter add dev %s protocol ip parent 1: prio 1 u32 match ip dst %s flowid 1:%d0", nic, dstIP, index)
}
