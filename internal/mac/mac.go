package mac

import (
	"dutycycle-mesh/internal/packet"
)

// Status is the outcome of a link-layer transmission.
type Status int

const (
	TxOK Status = iota
	TxCollision
	TxNoAck
	TxDeferred
	TxErr
	TxErrFatal
)

func (s Status) String() string {
	switch s {
	case TxOK:
		return "OK"
	case TxCollision:
		return "COLLISION"
	case TxNoAck:
		return "NOACK"
	case TxDeferred:
		return "DEFERRED"
	case TxErr:
		return "ERR"
	case TxErrFatal:
		return "ERR_FATAL"
	default:
		return "UNKNOWN"
	}
}

// Callback is invoked once a transmission has finished, successfully or not.
// numTx is the number of link-layer attempts it took.
type Callback func(ptr any, status Status, numTx int)

// Sender is the lower radio duty-cycling layer.
type Sender interface {
	Send(pkt *packet.Buffer, cb Callback, ptr any)
	SendList(list *packet.BufList, cb Callback, ptr any)
}
