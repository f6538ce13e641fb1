package iface

// Pipe is an in-process, memory-only Interface pairing used by tests
// to exercise Transport without a real socket driver. It is not a
// production interface.
type Pipe struct {
	BaseInterface
	peer *Pipe
}

// NewPipePair returns two connected Pipe interfaces; bytes handed to
// ProcessOutgoing on one side are delivered synchronously to the
// other side's registered handler.
func NewPipePair(nameA, nameB string, hwmtu int) (*Pipe, *Pipe) {
	a := &Pipe{BaseInterface: BaseInterface{
		NameValue:    nameA,
		BitrateValue: 10_000_000,
		HWMTUValue:   hwmtu,
		CanSendFlag:  true,
		CanRecvFlag:  true,
	}}
	b := &Pipe{BaseInterface: BaseInterface{
		NameValue:    nameB,
		BitrateValue: 10_000_000,
		HWMTUValue:   hwmtu,
		CanSendFlag:  true,
		CanRecvFlag:  true,
	}}
	a.peer = b
	b.peer = a
	a.SetOnline(true)
	b.SetOnline(true)
	return a, b
}

// ProcessOutgoing delivers raw directly to the peer's packet handler.
func (p *Pipe) ProcessOutgoing(raw []byte) error {
	cp := append([]byte(nil), raw...)
	p.peer.Deliver(cp, p.peer)
	return nil
}

// Disconnect marks both ends of the pair offline, simulating an
// interface drop (§6: disconnects surface only as online=false).
func (p *Pipe) Disconnect() {
	p.SetOnline(false)
	p.peer.SetOnline(false)
}
