package mesh

import (
	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

// INode is a member of the mesh, simulated or physical.
type INode interface {
	Addr() packet.Addr
	Kind() string
	GetPosition() Coordinates
	SetPosition(Coordinates)
	// CycleTime is the node's own radio wake-up period in ticks.
	CycleTime() clock.Ticks
	SetCycleTime(clock.Ticks)
	// ReportCycleTime tells the node that neighbor wakes every ct ticks.
	ReportCycleTime(neighbor packet.Addr, ct clock.Ticks)
	SendData(dest packet.Addr, payload []byte) error
	Start()
	Stop()
	PrintNodeDetails()
}

// INetwork is the registry of nodes taking part in a run.
type INetwork interface {
	Join(n INode) error
	Leave(addr packet.Addr) bool
	Node(addr packet.Addr) (INode, bool)
	Nodes() []INode
}
