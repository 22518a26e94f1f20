package sim

import (
	"fmt"

	"github.com/ehrlich-b/go-bnxt/internal/constants"
	"github.com/ehrlich-b/go-bnxt/internal/hsi"
)

// faults are the injected misbehaviours. Counts below zero never run out.
type faults struct {
	fail      map[uint16]uint16
	failCount map[uint16]int
	drop      map[uint16]int
	stallTx   bool
}

func (f *faults) take(counts map[uint16]int, opcode uint16) bool {
	c, ok := counts[opcode]
	if !ok || c == 0 {
		return false
	}
	if c > 0 {
		counts[opcode] = c - 1
	}
	return true
}

// FailCommand makes the next times commands of opcode fail with status.
// A negative times fails every one.
func (n *NIC) FailCommand(opcode uint16, status uint16, times int) {
	n.lock()
	defer n.unlock()
	if n.faults.fail == nil {
		n.faults.fail = make(map[uint16]uint16)
		n.faults.failCount = make(map[uint16]int)
	}
	n.faults.fail[opcode] = status
	n.faults.failCount[opcode] = times
}

// DropCommand makes the next times commands of opcode go unanswered, so the
// driver times out. A negative times drops every one.
func (n *NIC) DropCommand(opcode uint16, times int) {
	n.lock()
	defer n.unlock()
	if n.faults.drop == nil {
		n.faults.drop = make(map[uint16]int)
	}
	n.faults.drop[opcode] = times
}

// ClearFaults removes every injected command fault and resumes TX
func (n *NIC) ClearFaults() {
	n.lock()
	defer n.unlock()
	n.faults.fail, n.faults.failCount, n.faults.drop = nil, nil, nil
	n.resumeTx()
}

// StallTx stops the DMA engine from consuming TX descriptors. Doorbells are
// still recorded and the backlog is sent when the stall is lifted.
func (n *NIC) StallTx(stall bool) {
	n.lock()
	defer n.unlock()
	n.faults.stallTx = stall
	if !stall {
		n.resumeTx()
	}
}

func (n *NIC) resumeTx() {
	n.faults.stallTx = false
	for _, r := range n.rings {
		if r.typ == hsi.RING_TYPE_TX && r.pending() > 0 {
			n.transmit(r)
		}
	}
}

// InjectEvent posts an async event whether or not the driver registered
// for it
func (n *NIC) InjectEvent(ev hsi.AsyncEvent) error {
	n.lock()
	defer n.unlock()
	if n.asyncCQ == constants.InvalidID {
		return fmt.Errorf("sim: no completion ring for async events")
	}
	if !n.postAsync(ev) {
		return fmt.Errorf("sim: async completion ring full")
	}
	return nil
}

// notify posts an async event the driver registered for
func (n *NIC) notify(ev hsi.AsyncEvent) {
	if !n.events.HasAsyncEvent(ev.ID) {
		n.log.Debug("async event not registered", "event", ev.ID)
		return
	}
	n.postAsync(ev)
}

// InjectFatal puts the firmware into the fatal state and reports it with a
// RESET_NOTIFY event. Until FUNC_RESET every command except VER_GET fails
// and TX doorbells are ignored.
func (n *NIC) InjectFatal() {
	n.lock()
	defer n.unlock()
	n.halted = true
	n.notify(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_RESET_NOTIFY, Data1: hsi.RESET_NOTIFY_REASON_FATAL})
}

// SetLink changes the link state and reports LINK_STATUS_CHANGE
func (n *NIC) SetLink(up bool, speedMbps int) {
	n.lock()
	defer n.unlock()
	n.link = linkState{up: up, speedMbps: speedMbps}
	var data uint32
	if up {
		data = 1
	}
	n.notify(hsi.AsyncEvent{ID: hsi.ASYNC_EVENT_LINK_STATUS_CHANGE, Data1: data})
}

// PortStats returns the port counters PORT_QSTATS reports
func (n *NIC) PortStats() (tx, rx hsi.PortStats) {
	n.lock()
	defer n.unlock()
	return n.port.tx, n.port.rx
}
