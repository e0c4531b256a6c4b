// Package image packs a compiled compiler.Context into a
// self-describing binary layout — header, function table, opcode
// array, padded string pool, extension stubs — and unpacks it back for
// the VM.
//
// The buffer is position-independent and read-only once written.
// Implemented directly on stdlib encoding/binary with little-endian
// fixed-width fields throughout; a bespoke fixed-layout record format
// is not a concern any serialization library serves better.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"khronicler/internal/bytecode"
	"khronicler/internal/compiler"
)

// magic identifies a Khronicler binary image.
var magic = [4]byte{'K', 'H', 'R', '1'}

const (
	identLen    = 16 // fixed-length name field width, func records + extension id
	opcodeSize  = 48 // fixed-size opcode record; padded out from the 37 bytes the payload needs
	funcRecSize = 4 + 4 + 4 + identLen
	poolAlign   = 16
)

// Header is the decoded form of the image's fixed-layout header
// region.
type Header struct {
	LittleEndian   bool
	ExtensionID    string
	GlobalCount    int
	FuncBlockStart int
	FuncCount      int
	OpBlockStart   int
	OpCount        int
	StrBlockStart  int
	StrRawLen      int
	StrPaddedLen   int
	ExtBlockStart  int
	ExtCount       int
}

// FuncRecord is one function-table entry.
type FuncRecord struct {
	NumParams   int
	NumLocals   int
	OpcodeStart int
	Name        string
}

// ExtFuncRecord round-trips one extension stub's
// (call_id, name, arity) triple.
type ExtFuncRecord struct {
	CallID int
	Name   string
	Arity  int
}

// Image is the decoded form of a binary image — what the VM actually
// consumes.
type Image struct {
	Header     Header
	Functions  []FuncRecord
	Opcodes    []bytecode.Opcode
	StringPool []byte // raw, unpadded
	ExtFuncs   []ExtFuncRecord
}

// hostIsLittleEndian always reports true: every field in this format is
// written with encoding/binary.LittleEndian regardless of host byte
// order, so the flag records the image's own encoding rather than a
// runtime probe. A reader on a big-endian host still decodes correctly
// because readU32/readI32/readU64 always use LittleEndian. When a
// foreign image's flag differs, Unmarshal byte-swaps the ten header
// fields via swap32; function, opcode and extension records are read
// as little-endian regardless of the flag.
func hostIsLittleEndian() bool { return true }

// Marshal packs a compiled Context into a byte-exact binary image.
func Marshal(ctx *compiler.Context) ([]byte, error) {
	var funcBuf, opBuf, extBuf bytes.Buffer

	for _, fn := range ctx.Functions {
		if err := writeFuncRecord(&funcBuf, fn.NumParams, len(fn.Locals), fn.OpcodeStart, fn.Name); err != nil {
			return nil, err
		}
	}
	for _, op := range ctx.Opcodes {
		writeOpcodeRecord(&opBuf, op)
	}
	for _, ef := range ctx.ExtFuncs {
		if err := writeExtFuncRecord(&extBuf, ef.CallID, ef.Name, ef.Arity); err != nil {
			return nil, err
		}
	}

	strRaw := ctx.StringPool
	padded := padLen(len(strRaw))

	headerSize := headerSize()
	funcStart := headerSize
	opStart := funcStart + funcBuf.Len()
	strStart := opStart + opBuf.Len()
	extStart := strStart + padded

	var out bytes.Buffer
	out.Write(magic[:])
	writeBool(&out, hostIsLittleEndian())
	if err := writeFixedString(&out, ctx.ExtensionID, identLen); err != nil {
		return nil, err
	}
	writeU32(&out, uint32(countGlobals(ctx)))
	writeU32(&out, uint32(funcStart))
	writeU32(&out, uint32(len(ctx.Functions)))
	writeU32(&out, uint32(opStart))
	writeU32(&out, uint32(len(ctx.Opcodes)))
	writeU32(&out, uint32(strStart))
	writeU32(&out, uint32(len(strRaw)))
	writeU32(&out, uint32(padded))
	writeU32(&out, uint32(extStart))
	writeU32(&out, uint32(len(ctx.ExtFuncs)))

	out.Write(funcBuf.Bytes())
	out.Write(opBuf.Bytes())
	out.Write(strRaw)
	out.Write(make([]byte, padded-len(strRaw)))
	out.Write(extBuf.Bytes())
	return out.Bytes(), nil
}

func countGlobals(ctx *compiler.Context) int { return len(ctx.Globals) }

func headerSize() int {
	return len(magic) + 1 /* endian flag */ + identLen + 4*10
}

// Unmarshal decodes a binary image produced by Marshal. If the image's
// recorded endianness flag does not match the host, the ten header
// count/offset fields are byte-swapped before use; function, opcode and
// extension records are always decoded as little-endian.
func Unmarshal(raw []byte) (*Image, error) {
	r := bytes.NewReader(raw)
	var gotMagic [4]byte
	if _, err := r.Read(gotMagic[:]); err != nil || gotMagic != magic {
		return nil, fmt.Errorf("image: bad magic")
	}
	littleFlag, err := readBool(r)
	if err != nil {
		return nil, err
	}
	extID, err := readFixedString(r, identLen)
	if err != nil {
		return nil, err
	}
	fields := make([]uint32, 10)
	for i := range fields {
		v, err := readU32(r)
		if err != nil {
			return nil, err
		}
		if littleFlag != hostIsLittleEndian() {
			v = swap32(v)
		}
		fields[i] = v
	}

	h := Header{
		LittleEndian:   littleFlag,
		ExtensionID:    extID,
		GlobalCount:    int(fields[0]),
		FuncBlockStart: int(fields[1]),
		FuncCount:      int(fields[2]),
		OpBlockStart:   int(fields[3]),
		OpCount:        int(fields[4]),
		StrBlockStart:  int(fields[5]),
		StrRawLen:      int(fields[6]),
		StrPaddedLen:   int(fields[7]),
		ExtBlockStart:  int(fields[8]),
		ExtCount:       int(fields[9]),
	}

	img := &Image{Header: h}

	fr := bytes.NewReader(raw[h.FuncBlockStart : h.FuncBlockStart+h.FuncCount*funcRecSize])
	for i := 0; i < h.FuncCount; i++ {
		rec, err := readFuncRecord(fr)
		if err != nil {
			return nil, err
		}
		img.Functions = append(img.Functions, rec)
	}

	or := bytes.NewReader(raw[h.OpBlockStart : h.OpBlockStart+h.OpCount*opcodeSize])
	for i := 0; i < h.OpCount; i++ {
		op, err := readOpcodeRecord(or)
		if err != nil {
			return nil, err
		}
		img.Opcodes = append(img.Opcodes, op)
	}

	img.StringPool = raw[h.StrBlockStart : h.StrBlockStart+h.StrRawLen]

	if h.ExtCount > 0 {
		er := bytes.NewReader(raw[h.ExtBlockStart:])
		for i := 0; i < h.ExtCount; i++ {
			rec, err := readExtFuncRecord(er)
			if err != nil {
				return nil, err
			}
			img.ExtFuncs = append(img.ExtFuncs, rec)
		}
	}

	return img, nil
}

func padLen(n int) int {
	if n%poolAlign == 0 {
		return n
	}
	return n + (poolAlign - n%poolAlign)
}

func swap32(v uint32) uint32 {
	return (v&0x000000ff)<<24 | (v&0x0000ff00)<<8 | (v&0xff000000)>>24 | (v&0x00ff0000)>>8
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeI32(w *bytes.Buffer, v int32) { writeU32(w, uint32(v)) }

func readI32(r *bytes.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBool(w *bytes.Buffer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeFixedString(w *bytes.Buffer, s string, width int) error {
	if len(s) > width-1 {
		s = s[:width-1]
	}
	buf := make([]byte, width)
	copy(buf, s)
	w.Write(buf)
	return nil
}

func readFixedString(r *bytes.Reader, width int) (string, error) {
	buf := make([]byte, width)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = width
	}
	return string(buf[:n]), nil
}

func writeFuncRecord(w *bytes.Buffer, numParams, numLocals, opcodeStart int, name string) error {
	writeI32(w, int32(numParams))
	writeI32(w, int32(numLocals))
	writeI32(w, int32(opcodeStart))
	return writeFixedString(w, name, identLen)
}

func readFuncRecord(r *bytes.Reader) (FuncRecord, error) {
	np, err := readI32(r)
	if err != nil {
		return FuncRecord{}, err
	}
	nl, err := readI32(r)
	if err != nil {
		return FuncRecord{}, err
	}
	ops, err := readI32(r)
	if err != nil {
		return FuncRecord{}, err
	}
	name, err := readFixedString(r, identLen)
	if err != nil {
		return FuncRecord{}, err
	}
	return FuncRecord{NumParams: int(np), NumLocals: int(nl), OpcodeStart: int(ops), Name: name}, nil
}

func writeExtFuncRecord(w *bytes.Buffer, callID int, name string, arity int) error {
	writeI32(w, int32(callID))
	writeI32(w, int32(arity))
	return writeFixedString(w, name, identLen)
}

func readExtFuncRecord(r *bytes.Reader) (ExtFuncRecord, error) {
	id, err := readI32(r)
	if err != nil {
		return ExtFuncRecord{}, err
	}
	arity, err := readI32(r)
	if err != nil {
		return ExtFuncRecord{}, err
	}
	name, err := readFixedString(r, identLen)
	if err != nil {
		return ExtFuncRecord{}, err
	}
	return ExtFuncRecord{CallID: int(id), Name: name, Arity: int(arity)}, nil
}

// writeOpcodeRecord packs one bytecode.Opcode into a fixed-size
// tagged-parameter record: a discriminator (Op) plus every payload
// field, rather than a union. Which fields are meaningful for a given
// Op is determined by the VM at dispatch time, exactly as for the
// in-memory Opcode struct.
func writeOpcodeRecord(w *bytes.Buffer, op bytecode.Opcode) {
	writeU32(w, uint32(op.Op))
	writeU64(w, floatBits(op.Num))
	writeI32(w, int32(op.StrOffset))
	writeI32(w, int32(op.Operator))
	writeI32(w, int32(op.BuiltinID))
	writeI32(w, int32(op.FuncIndex))
	writeI32(w, int32(op.Target))
	writeBool(w, op.Var.Local)
	writeI32(w, int32(op.Var.Index))
	w.Write(make([]byte, opcodeSize-opcodeRecordLogicalSize()))
}

func opcodeRecordLogicalSize() int {
	return 4 + 8 + 4 + 4 + 4 + 4 + 4 + 1 + 4
}

func readOpcodeRecord(r *bytes.Reader) (bytecode.Opcode, error) {
	opID, err := readU32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	numBits, err := readU64(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	strOff, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	operator, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	builtin, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	funcIdx, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	target, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	local, err := readBool(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	varIdx, err := readI32(r)
	if err != nil {
		return bytecode.Opcode{}, err
	}
	pad := make([]byte, opcodeSize-opcodeRecordLogicalSize())
	if _, err := r.Read(pad); err != nil {
		return bytecode.Opcode{}, err
	}
	return bytecode.Opcode{
		Op:        bytecode.Op(opID),
		Num:       bitsToFloat(numBits),
		StrOffset: int(strOff),
		Operator:  bytecode.Operator(operator),
		BuiltinID: int(builtin),
		FuncIndex: int(funcIdx),
		Target:    int(target),
		Var:       bytecode.VarRef{Local: local, Index: int(varIdx)},
		LabelSlot: -1,
	}, nil
}

func floatBits(f float64) uint64   { return math.Float64bits(f) }
func bitsToFloat(b uint64) float64 { return math.Float64frombits(b) }
