package datalink

import (
	"encoding/binary"

	"golang.org/x/net/bpf"

	"firestige.xyz/netstack/internal/core"
)

// Filter is the MAC's perfect address filter, expressed as a classic BPF
// program: accept ARP or IPv4 frames addressed to hw or to broadcast.
type Filter struct {
	prog []bpf.RawInstruction
	vm   *bpf.VM
}

// NewFilter assembles the filter for hw.
func NewFilter(hw core.HardwareAddr) (*Filter, error) {
	hi := binary.BigEndian.Uint32(hw[0:4])
	lo := uint32(binary.BigEndian.Uint16(hw[4:6]))

	insns := []bpf.Instruction{
		// EtherType must be ARP or IPv4
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(core.EtherTypeARP), SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(core.EtherTypeIPv4), SkipTrue: 9},
		// destination is our address
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipFalse: 2},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: 4},
		// or broadcast
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0xFFFFFFFF, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0xFFFF, SkipTrue: 1},
		bpf.RetConstant{Val: 0xFFFF},
		bpf.RetConstant{Val: 0},
	}

	prog, err := bpf.Assemble(insns)
	if err != nil {
		return nil, err
	}
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, err
	}
	return &Filter{prog: prog, vm: vm}, nil
}

// Accept runs the program over frame.
func (f *Filter) Accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}

// Program returns the assembled instructions.
func (f *Filter) Program() []bpf.RawInstruction {
	return f.prog
}
