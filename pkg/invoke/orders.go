package invoke

// GetType is understood by every kernel key: it answers the key type in word 0.
// Start and resume keys pass every order to the process they designate.
const GetType Order = 0

// Number key orders
const (
	NumberGetValue Order = iota + 1
)

// Node key orders
const (
	// NodeGetSlot fetches the key in slot w0
	NodeGetSlot Order = iota + 1
	// NodeSwapSlot stores the first key sent in slot w0, and answers the previous one
	NodeSwapSlot
	// NodeClear voids every slot
	NodeClear
	// NodeReduce answers a copy of the invoked key, with the permission bits w0 added
	NodeReduce
	// NodeWriteNumber stores in slot w0 the number key held by the first 12 bytes of the payload
	NodeWriteNumber
)

// Page key orders
const (
	// PageRead answers w1 bytes from offset w0 in the payload
	PageRead Order = iota + 1
	// PageWrite writes the payload at offset w0
	PageWrite
	// PageClear zeroes the page
	PageClear
)

// Schedule key orders
const (
	ScheduleGetPriority Order = iota + 1
)

// Checkpoint device orders
const (
	// CheckpointEnsure waits for a stable generation demarcated at or after the time w0 | w1<<32,
	// or now when it is zero
	CheckpointEnsure Order = iota + 1
	// CheckpointStatus answers the state, the stable generation and the number of
	// un-migrated generations
	CheckpointStatus
	// CheckpointMigrate migrates the oldest un-migrated generation
	CheckpointMigrate
)

// Range device orders
const (
	// RangeAllocNode creates a node, persistent when w0 is not zero
	RangeAllocNode Order = iota + 1
	// RangeAllocPage creates a page, persistent when w0 is not zero
	RangeAllocPage
	// RangeRescind voids every key to the target of the first key sent
	RangeRescind
	// RangeReclaim destroys the target of the first key sent
	RangeReclaim
	// RangeIdentify answers the type and the OID of the target of the first key sent
	RangeIdentify
)

// FaultOrder is the order of the message delivered to a fault handler. The first key
// delivered is a start key to the faulted process, w0 is its fault code.
const FaultOrder Order = 0x80000000
