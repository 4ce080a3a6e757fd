// Package message defines the scheduling subsystem's wire-level data model:
// the unit of work (Message), the batch it travels in, host resource
// counters, and the decision the scheduler produces for a batch.
package message

import "fmt"

// TopologyHint selects the placement policy DecisionEngine.Decide applies
// to a batch. It is a closed set; the string form only exists at the wire
// boundary (HTTP/JSON, RPC).
type TopologyHint int

const (
	// HintNone is the zero value; it behaves identically to HintNormal.
	HintNone TopologyHint = iota
	HintNormal
	HintForceLocal
	HintNeverAlone
	HintUnderfull
	HintCached
)

func (h TopologyHint) String() string {
	switch h {
	case HintNone:
		return "NONE"
	case HintNormal:
		return "NORMAL"
	case HintForceLocal:
		return "FORCE_LOCAL"
	case HintNeverAlone:
		return "NEVER_ALONE"
	case HintUnderfull:
		return "UNDERFULL"
	case HintCached:
		return "CACHED"
	default:
		return "NONE"
	}
}

// ParseTopologyHint maps the wire string form back to a TopologyHint.
// Unknown values fall back to HintNone, matching the tolerant behaviour of
// the rest of the wire boundary (§6).
func ParseTopologyHint(s string) TopologyHint {
	switch s {
	case "NORMAL":
		return HintNormal
	case "FORCE_LOCAL":
		return HintForceLocal
	case "NEVER_ALONE":
		return HintNeverAlone
	case "UNDERFULL":
		return HintUnderfull
	case "CACHED":
		return HintCached
	default:
		return HintNone
	}
}

// BatchType identifies the kind of work carried in a BatchRequest.
type BatchType int

const (
	BatchFunctions BatchType = iota
	BatchThreads
	BatchMigration
)

// Message is a single unit of work travelling through the scheduler.
type Message struct {
	ID       uint32
	AppID    uint32
	GroupID  uint32
	GroupIdx int
	GroupSize int

	User     string
	Function string

	MasterHost string

	ResultKey string
	StatusKey string

	IsAsync         bool
	ExecutesLocally bool
	DirectResultHost string

	IsMPI     bool
	IsStorage bool

	TopologyHint         TopologyHint
	MigrationCheckPeriod int // ms; 0 disables migration tracking for the app
	SnapshotKey          string

	ExecutedHost    string
	FinishTimestamp int64

	// Error carries the runtime's failure message, if any, for delivery
	// alongside the (possibly empty) result through the ResultPlane.
	Error string

	// ContextData carries the payload for FUNCTIONS/THREADS execution; it is
	// opaque to the scheduler and forwarded verbatim to the executor.
	ContextData []byte
}

// FunctionKey returns the "user/function" identity used to key registered
// hosts and executor pools.
func (m *Message) FunctionKey() string {
	return FunctionKey(m.User, m.Function)
}

// FunctionKey formats the canonical "user/function" key.
func FunctionKey(user, function string) string {
	return fmt.Sprintf("%s/%s", user, function)
}

// Role returns which HostRegistry set this message belongs to.
func (m *Message) Role() Role {
	if m.IsStorage {
		return RoleStorage
	}
	return RoleCompute
}

// Role identifies a host-set partition in the HostRegistry (§4.1).
type Role int

const (
	RoleCompute Role = iota
	RoleStorage
)

// BatchRequest is an ordered sequence of Messages sharing a type.
type BatchRequest struct {
	Type        BatchType
	Subtype     int32
	SnapshotKey string
	ContextData []byte
	Messages    []*Message

	// SingleHost is derived: true when every message in the batch lands on
	// the local host and the local host is master of the first message.
	SingleHost bool
}

// Len returns the number of messages in the batch.
func (b *BatchRequest) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Messages)
}

// FirstMessage returns the batch's first message, or nil for an empty batch.
func (b *BatchRequest) FirstMessage() *Message {
	if b.Len() == 0 {
		return nil
	}
	return b.Messages[0]
}

// DeriveSingleHost computes and stores the SingleHost flag per §3: all
// messages are destined for thisHost, and thisHost is master of the first
// message.
func (b *BatchRequest) DeriveSingleHost(decision *SchedulingDecision, thisHost string) {
	if b.Len() == 0 || decision == nil || len(decision.Hosts) != b.Len() {
		b.SingleHost = false
		return
	}
	first := b.FirstMessage()
	if first == nil || first.MasterHost != thisHost {
		b.SingleHost = false
		return
	}
	for _, h := range decision.Hosts {
		if h != thisHost {
			b.SingleHost = false
			return
		}
	}
	b.SingleHost = true
}

// HostResources describes slot accounting for one host. Overload (UsedSlots
// exceeding Slots) is permitted; Available must floor at zero rather than
// error (§3 invariant).
type HostResources struct {
	Slots       uint32
	UsedSlots   uint32
	LoadAverage float32
}

// Available returns the number of free slots, floored at zero.
func (r HostResources) Available() uint32 {
	if r.UsedSlots >= r.Slots {
		return 0
	}
	return r.Slots - r.UsedSlots
}

// ErrInvalidSchedule is returned when a SchedulingDecision's host vector
// length does not match its batch's length (§7 InvalidSchedule, fatal).
var ErrInvalidSchedule = fmt.Errorf("scheduling: decision host count does not match batch size")

// SchedulingDecision maps each message index in a batch to a destination
// host.
type SchedulingDecision struct {
	AppID   uint32
	GroupID uint32
	Hosts   []string

	// ReturnHost is set when this decision represents a forward: the whole
	// batch was handed to ReturnHost and no local dispatch occurred.
	ReturnHost string
}

// NewSchedulingDecision builds a decision and validates host-count parity
// with the batch, per the §8 invariant |D.hosts| == |B|.
func NewSchedulingDecision(appID, groupID uint32, hosts []string, batchLen int) (*SchedulingDecision, error) {
	if len(hosts) != batchLen {
		return nil, ErrInvalidSchedule
	}
	return &SchedulingDecision{AppID: appID, GroupID: groupID, Hosts: append([]string(nil), hosts...)}, nil
}

// UniqueHostsLocalLast returns the distinct hosts in dispatch order: if
// thisHost appears in the decision it is placed last, so that remote RPCs
// are issued before local execution begins consuming resources (§4.5,
// §5 ordering guarantee).
func (d *SchedulingDecision) UniqueHostsLocalLast(thisHost string) []string {
	seen := make(map[string]bool, len(d.Hosts))
	var remote []string
	hasLocal := false
	for _, h := range d.Hosts {
		if seen[h] {
			continue
		}
		seen[h] = true
		if h == thisHost {
			hasLocal = true
			continue
		}
		remote = append(remote, h)
	}
	if hasLocal {
		remote = append(remote, thisHost)
	}
	return remote
}

// IndicesForHost returns the batch indices assigned to the given host, in
// ascending order.
func (d *SchedulingDecision) IndicesForHost(host string) []int {
	var idxs []int
	for i, h := range d.Hosts {
		if h == host {
			idxs = append(idxs, i)
		}
	}
	return idxs
}
