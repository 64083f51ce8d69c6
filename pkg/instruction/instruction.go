// Package instruction decodes the closed set of 37 opcodes the spark
// virtual machine understands, from a fixed byte-pattern table. Decode
// is a pure function: it never consumes more bytes than the matched
// instruction's encoded length requires.
package instruction

import "fmt"

// Op identifies one of the 37 recognized instructions.
type Op int

const (
	PopRax Op = iota
	PopRbx
	PopRbp
	PopRdx
	PushRax
	PushRbx
	PushRbp
	PushRdx
	Ret
	PushQwordRax
	Syscall
	AddRaxRbx
	SubRaxRbx
	MulRbx
	DivRbx
	CmpRaxRbx
	XorRaxRax
	XorRdxRdx
	SeteDl
	SetneDl
	SetbDl
	TestRaxRax
	MovRbpRsp
	MovRaxQwordRsp
	Call
	Jmp
	PushQwordRaxOffset
	Jnz
	Jz
	MovRaxOffsetRbx
	AddRsp
	SubRsp
	LeaRaxRbpOffset
	MovRaxRspOffset
	MovRbxRspRaxOffset
	MovRspOffsetRbx
	MovRax
)

var opNames = [...]string{
	PopRax: "PopRax", PopRbx: "PopRbx", PopRbp: "PopRbp", PopRdx: "PopRdx",
	PushRax: "PushRax", PushRbx: "PushRbx", PushRbp: "PushRbp", PushRdx: "PushRdx",
	Ret: "Ret", PushQwordRax: "PushQwordRax", Syscall: "Syscall",
	AddRaxRbx: "AddRaxRbx", SubRaxRbx: "SubRaxRbx", MulRbx: "MulRbx", DivRbx: "DivRbx",
	CmpRaxRbx: "CmpRaxRbx", XorRaxRax: "XorRaxRax", XorRdxRdx: "XorRdxRdx",
	SeteDl: "SeteDl", SetneDl: "SetneDl", SetbDl: "SetbDl", TestRaxRax: "TestRaxRax",
	MovRbpRsp: "MovRbpRsp", MovRaxQwordRsp: "MovRaxQwordRsp", Call: "Call", Jmp: "Jmp",
	PushQwordRaxOffset: "PushQwordRaxOffset", Jnz: "Jnz", Jz: "Jz",
	MovRaxOffsetRbx: "MovRaxOffsetRbx", AddRsp: "AddRsp", SubRsp: "SubRsp",
	LeaRaxRbpOffset: "LeaRaxRbpOffset", MovRaxRspOffset: "MovRaxRspOffset",
	MovRbxRspRaxOffset: "MovRbxRspRaxOffset", MovRspOffsetRbx: "MovRspOffsetRbx",
	MovRax: "MovRax",
}

// String returns the Go identifier of the opcode, e.g. "MovRax" —
// useful in test names and diagnostics. For the assembly-like mnemonic
// use Instruction.String instead.
func (o Op) String() string {
	if int(o) >= 0 && int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Instruction is a decoded instruction. Imm is meaningful only for the
// ops that carry an immediate; it is already sign-extended to 64 bits
// for the 32-bit-immediate variants (see Decode).
type Instruction struct {
	Op  Op
	Imm uint64
}

// pattern describes one row of the opcode table: the literal leading
// bytes that must match, whether an immediate follows and how wide it
// is, and the resulting encoded length.
type pattern struct {
	op     Op
	bytes  []byte
	immLen int // 0, 4, or 8 trailing immediate bytes
}

// table is ordered shortest pattern first, as required by the decoder
// contract: the first match wins, and no entry is a prefix of an
// earlier, shorter entry with a different meaning.
var table = []pattern{
	{PopRax, []byte{0x58}, 0},
	{PopRbx, []byte{0x5B}, 0},
	{PopRbp, []byte{0x5D}, 0},
	{PopRdx, []byte{0x5A}, 0},
	{PushRax, []byte{0x50}, 0},
	{PushRbx, []byte{0x53}, 0},
	{PushRbp, []byte{0x55}, 0},
	{PushRdx, []byte{0x52}, 0},
	{Ret, []byte{0xC3}, 0},

	{PushQwordRax, []byte{0xFF, 0x30}, 0},
	{Syscall, []byte{0x0F, 0x05}, 0},

	{AddRaxRbx, []byte{0x48, 0x01, 0xD8}, 0},
	{SubRaxRbx, []byte{0x48, 0x29, 0xD8}, 0},
	{MulRbx, []byte{0x48, 0xF7, 0xE3}, 0},
	{DivRbx, []byte{0x48, 0xF7, 0xF3}, 0},
	{CmpRaxRbx, []byte{0x48, 0x39, 0xD8}, 0},
	{XorRaxRax, []byte{0x48, 0x31, 0xC0}, 0},
	{XorRdxRdx, []byte{0x48, 0x31, 0xD2}, 0},
	{SeteDl, []byte{0x0F, 0x94, 0xC2}, 0},
	{SetneDl, []byte{0x0F, 0x95, 0xC2}, 0},
	{SetbDl, []byte{0x0F, 0x92, 0xC2}, 0},
	{TestRaxRax, []byte{0x48, 0x85, 0xC0}, 0},
	{MovRbpRsp, []byte{0x48, 0x89, 0xE5}, 0},

	{MovRaxQwordRsp, []byte{0x48, 0x8B, 0x04, 0x24}, 0},

	{Call, []byte{0xE8}, 4},
	{Jmp, []byte{0xE9}, 4},

	{PushQwordRaxOffset, []byte{0xFF, 0xB0}, 4},
	{Jnz, []byte{0x0F, 0x85}, 4},
	{Jz, []byte{0x0F, 0x84}, 4},

	{MovRaxOffsetRbx, []byte{0x48, 0x89, 0x98}, 4},
	{AddRsp, []byte{0x48, 0x81, 0xC4}, 4},
	{SubRsp, []byte{0x48, 0x81, 0xEC}, 4},
	{LeaRaxRbpOffset, []byte{0x48, 0x8D, 0x85}, 4},

	{MovRaxRspOffset, []byte{0x48, 0x8B, 0x84, 0x24}, 4},
	{MovRbxRspRaxOffset, []byte{0x48, 0x8B, 0x9C, 0x04}, 4},
	{MovRspOffsetRbx, []byte{0x48, 0x89, 0x9C, 0x24}, 4},

	{MovRax, []byte{0x48, 0xB8}, 8},
}

// Len returns the number of bytes the instruction occupies in code.
func (i Instruction) Len() int {
	for _, p := range table {
		if p.op == i.Op {
			return len(p.bytes) + p.immLen
		}
	}
	panic(fmt.Sprintf("instruction: unknown op %d", i.Op))
}

// String renders the instruction the way an x86-64 assembler would,
// used for trace output.
func (i Instruction) String() string {
	switch i.Op {
	case PopRax:
		return "pop rax"
	case PopRbx:
		return "pop rbx"
	case PopRbp:
		return "pop rbp"
	case PopRdx:
		return "pop rdx"
	case PushRax:
		return "push rax"
	case PushRbx:
		return "push rbx"
	case PushRbp:
		return "push rbp"
	case PushRdx:
		return "push rdx"
	case Ret:
		return "ret"
	case PushQwordRax:
		return "push qword [rax]"
	case Syscall:
		return "syscall"
	case AddRaxRbx:
		return "add rax, rbx"
	case SubRaxRbx:
		return "sub rax, rbx"
	case MulRbx:
		return "mul rbx"
	case DivRbx:
		return "div rbx"
	case CmpRaxRbx:
		return "cmp rax, rbx"
	case XorRaxRax:
		return "xor rax, rax"
	case XorRdxRdx:
		return "xor rdx, rdx"
	case SeteDl:
		return "sete dl"
	case SetneDl:
		return "setne dl"
	case SetbDl:
		return "setb dl"
	case TestRaxRax:
		return "test rax, rax"
	case MovRbpRsp:
		return "mov rbp, rsp"
	case MovRaxQwordRsp:
		return "mov rax, [rsp]"
	case Call:
		return fmt.Sprintf("call %d", int64(i.Imm))
	case Jmp:
		return fmt.Sprintf("jmp %d", int64(i.Imm))
	case PushQwordRaxOffset:
		return fmt.Sprintf("push qword [rax + %d]", int64(i.Imm))
	case Jnz:
		return fmt.Sprintf("jnz %d", int64(i.Imm))
	case Jz:
		return fmt.Sprintf("jz %d", int64(i.Imm))
	case MovRaxOffsetRbx:
		return fmt.Sprintf("mov [rax + %d], rbx", int64(i.Imm))
	case AddRsp:
		return fmt.Sprintf("add rsp, %d", int64(i.Imm))
	case SubRsp:
		return fmt.Sprintf("sub rsp, %d", int64(i.Imm))
	case LeaRaxRbpOffset:
		return fmt.Sprintf("lea rax, [rbp + %d]", int64(i.Imm))
	case MovRaxRspOffset:
		return fmt.Sprintf("mov rax, [rsp + %d]", int64(i.Imm))
	case MovRbxRspRaxOffset:
		return fmt.Sprintf("mov rbx, [rsp + rax + %d]", int64(i.Imm))
	case MovRspOffsetRbx:
		return fmt.Sprintf("mov [rsp + %d], rbx", int64(i.Imm))
	case MovRax:
		return fmt.Sprintf("mov rax, %d", i.Imm)
	default:
		return fmt.Sprintf("<unknown instruction: %d>", i.Op)
	}
}

// Decode tries the table's patterns shortest first and returns the
// instruction of the first one that matches the start of b. It returns ok == false if no pattern matches,
// in which case the caller should treat the input as undecodable.
func Decode(b []byte) (instr Instruction, ok bool) {
	for _, p := range table {
		n := len(p.bytes)
		if len(b) < n+p.immLen {
			continue
		}
		if !hasPrefix(b, p.bytes) {
			continue
		}
		switch p.immLen {
		case 0:
			return Instruction{Op: p.op}, true
		case 4:
			return Instruction{Op: p.op, Imm: signExtend32(b[n : n+4])}, true
		case 8:
			return Instruction{Op: p.op, Imm: readUint64LE(b[n : n+8])}, true
		}
	}
	return Instruction{}, false
}

func hasPrefix(b, prefix []byte) bool {
	for i, want := range prefix {
		if b[i] != want {
			return false
		}
	}
	return true
}

// signExtend32 reads a little-endian 32-bit immediate and sign-extends
// it to 64 bits: if bit 31 is set, the upper 32 bits are filled with 1s.
func signExtend32(b []byte) uint64 {
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24
	if v&(1<<31) != 0 {
		v |= 0xFFFFFFFF00000000
	}
	return v
}

func readUint64LE(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
