package invoke

import (
	"context"
	"fmt"

	"github.com/oneconcern/capstore/pkg/key"
)

const (
	// MaxPayload is the largest payload carried by a message or a reply
	MaxPayload = 4096

	// MaxKeys is the number of keys carried by a message or a reply
	MaxKeys = 3

	// NumWords is the number of data words carried by a message or a reply
	NumWords = 3
)

// Reg designates a key register of the invoking process
type Reg int

// NoReg stands for no register
const NoReg Reg = -1

// Order code of an invocation. Each key type has its own order space.
type Order uint32

// Result code of an invocation
type Result uint32

// Result codes
const (
	OK Result = iota
	RequestError
	UnknownRequest
	NoAccess
	Voided
	Busy
	NoSpace
	LimitReached
	FutureTime
	Faulted
	IOError

	numResults
)

var resultNames = [numResults]string{
	OK:             "ok",
	RequestError:   "request error",
	UnknownRequest: "unknown request",
	NoAccess:       "no access",
	Voided:         "voided",
	Busy:           "busy",
	NoSpace:        "no space",
	LimitReached:   "limit reached",
	FutureTime:     "future time",
	Faulted:        "faulted",
	IOError:        "I/O error",
}

func (r Result) String() string {
	if r < numResults {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", uint32(r))
}

// Message sent by an invocation.
//
// Key is the register holding the invoked key. Send lists the registers of the keys sent
// along, and Receive the registers where the keys of the reply are stored.
type Message struct {
	Key     Reg
	Order   Order
	Words   [NumWords]uint32
	Send    [MaxKeys]Reg
	Receive [MaxKeys]Reg
	Payload []byte
}

// NewMessage builds a message invoking the key held in some register, with no key sent or received
func NewMessage(k Reg, order Order, words ...uint32) Message {
	m := Message{
		Key:     k,
		Order:   order,
		Send:    [MaxKeys]Reg{NoReg, NoReg, NoReg},
		Receive: [MaxKeys]Reg{NoReg, NoReg, NoReg},
	}
	copy(m.Words[:], words)
	return m
}

// Reply to an invocation
type Reply struct {
	Result  Result
	Words   [NumWords]uint32
	Keys    [MaxKeys]key.Key
	Payload []byte

	wait func(context.Context, *Reply)
}

// Suspend the invoker after the commit point, until wait returns. The wait runs without
// the kernel lock, and completes the reply.
func (r *Reply) Suspend(wait func(context.Context, *Reply)) {
	r.wait = wait
}

// Waiter returns the wait requested by a commit, if any
func (r *Reply) Waiter() func(context.Context, *Reply) {
	return r.wait
}

// Delivery is what a process receives when it is called through a start key
type Delivery struct {
	Order   Order
	Words   [NumWords]uint32
	Keys    [MaxKeys]key.Key
	Resume  key.Key
	Badge   uint16
	Payload []byte
}
