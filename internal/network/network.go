package network

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/packet"
)

var ErrDuplicateNode = errors.New("node address already in use")

type Network struct {
	mu    sync.RWMutex
	nodes map[packet.Addr]mesh.INode
	bus   *eventBus.EventBus
}

// NewNetwork creates a new instance of the network.
func NewNetwork(bus *eventBus.EventBus) *Network {
	return &Network{
		nodes: make(map[packet.Addr]mesh.INode),
		bus:   bus,
	}
}

var _ mesh.INetwork = (*Network)(nil)

// Join registers the node and starts it.
func (net *Network) Join(n mesh.INode) error {
	net.mu.Lock()
	if _, ok := net.nodes[n.Addr()]; ok {
		net.mu.Unlock()
		return fmt.Errorf("join %s: %w", n.Addr(), ErrDuplicateNode)
	}
	net.nodes[n.Addr()] = n
	net.mu.Unlock()

	log.Printf("[sim] Node %s: joining network (%s).\n", n.Addr(), n.Kind())
	n.Start()
	pos := n.GetPosition()
	net.publish(eventBus.EventNodeJoined, n.Addr(), int64(n.CycleTime()),
		fmt.Sprintf("%s node at (%.1f, %.1f)", n.Kind(), pos.X, pos.Y))
	return nil
}

// Leave stops the node and removes it from the registry.
func (net *Network) Leave(addr packet.Addr) bool {
	net.mu.Lock()
	nd, ok := net.nodes[addr]
	if ok {
		delete(net.nodes, addr)
	}
	net.mu.Unlock()
	if !ok {
		return false
	}
	log.Printf("[sim] Node %s: leaving network.\n", addr)
	nd.Stop()
	nd.PrintNodeDetails()
	net.publish(eventBus.EventNodeLeft, addr, 0, "")
	return true
}

// Move repositions a node.
func (net *Network) Move(addr packet.Addr, pos mesh.Coordinates) bool {
	nd, ok := net.Node(addr)
	if !ok {
		return false
	}
	nd.SetPosition(pos)
	net.publish(eventBus.EventNodeMoved, addr, 0, fmt.Sprintf("(%.1f, %.1f)", pos.X, pos.Y))
	return true
}

func (net *Network) Node(addr packet.Addr) (mesh.INode, bool) {
	net.mu.RLock()
	defer net.mu.RUnlock()
	nd, ok := net.nodes[addr]
	return nd, ok
}

// Nodes returns every registered node ordered by address.
func (net *Network) Nodes() []mesh.INode {
	net.mu.RLock()
	out := make([]mesh.INode, 0, len(net.nodes))
	for _, nd := range net.nodes {
		out = append(out, nd)
	}
	net.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr().Uint16() < out[j].Addr().Uint16() })
	return out
}

func (net *Network) publish(t eventBus.EventType, addr packet.Addr, value int64, payload string) {
	net.bus.Publish(eventBus.Event{
		Type:      t,
		Node:      addr,
		Value:     value,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
