package statefile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// Pickle opcodes understood by the codec. Only the subset needed for the
// state file schema is supported.
const (
	opMark           = '('
	opStop           = '.'
	opPop            = '0'
	opPopMark        = '1'
	opDup            = '2'
	opFloat          = 'F'
	opInt            = 'I'
	opBinInt         = 'J'
	opBinInt1        = 'K'
	opLong           = 'L'
	opBinInt2        = 'M'
	opNone           = 'N'
	opPersID         = 'P'
	opReduce         = 'R'
	opString         = 'S'
	opBinString      = 'T'
	opShortBinString = 'U'
	opUnicode        = 'V'
	opBinUnicode     = 'X'
	opAppend         = 'a'
	opBuild          = 'b'
	opGlobal         = 'c'
	opDict           = 'd'
	opEmptyDict      = '}'
	opAppends        = 'e'
	opGet            = 'g'
	opBinGet         = 'h'
	opLongBinGet     = 'j'
	opList           = 'l'
	opEmptyList      = ']'
	opPut            = 'p'
	opBinPut         = 'q'
	opLongBinPut     = 'r'
	opSetItem        = 's'
	opTuple          = 't'
	opEmptyTuple     = ')'
	opSetItems       = 'u'
	opBinFloat       = 'G'

	// Protocol 2.
	opProto    = 0x80
	opNewObj   = 0x81
	opTuple1   = 0x85
	opTuple2   = 0x86
	opTuple3   = 0x87
	opNewTrue  = 0x88
	opNewFalse = 0x89
	opLong1    = 0x8a
	opLong4    = 0x8b

	// Protocol 3.
	opBinBytes      = 'B'
	opShortBinBytes = 'C'

	// Protocol 4.
	opShortBinUnicode = 0x8c
	opBinUnicode8     = 0x8d
	opBinBytes8       = 0x8e
	opEmptySet        = 0x8f
	opAddItems        = 0x90
	opFrozenSet       = 0x91
	opNewObjEx        = 0x92
	opStackGlobal     = 0x93
	opMemoize         = 0x94
	opFrame           = 0x95

	// highestProtocol is the newest protocol the decoder accepts.
	highestProtocol = 5

	// maxPickleString bounds any single length prefix.
	maxPickleString = 1 << 24
)

// Object is an instance of a Python class, as created by GLOBAL followed by
// NEWOBJ or REDUCE, with the state set by BUILD.
type Object struct {
	Module string
	Name   string
	Args   Tuple
	State  any
}

// Tuple is an immutable Python tuple.
type Tuple []any

// List is a Python list. It is a pointer type since APPEND mutates a list
// that may also be referenced from the memo.
type List struct {
	Items []any
}

// Dict is a Python dict with string keys, the only kind the state file
// uses.
type Dict map[string]any

// global is a class reference pushed by GLOBAL or STACK_GLOBAL.
type global struct {
	module string
	name   string
}

// markerType is the stack marker pushed by MARK.
type markerType struct{}

var marker = markerType{}

// errPickle is wrapped by every decoding error.
var errPickle = errors.New("invalid pickle")

// pickleError builds a decoding error.
func pickleError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errPickle, fmt.Sprintf(format, args...))
}

// unpickler is a minimal pickle virtual machine.
type unpickler struct {
	r     *bufio.Reader
	stack []any
	memo  map[uint64]any
}

// Unpickle decodes a single pickled value. Values are returned as nil,
// bool, int64, float64, string, []byte, Tuple, *List, Dict or *Object.
func Unpickle(r io.Reader) (any, error) {
	u := &unpickler{
		r:    bufio.NewReader(r),
		memo: make(map[uint64]any),
	}

	return u.run()
}

func (u *unpickler) push(v any) {
	u.stack = append(u.stack, v)
}

func (u *unpickler) pop() (any, error) {
	if len(u.stack) == 0 {
		return nil, pickleError("stack underflow")
	}

	v := u.stack[len(u.stack)-1]
	u.stack = u.stack[:len(u.stack)-1]
	if v == marker {
		return nil, pickleError("unexpected mark")
	}

	return v, nil
}

func (u *unpickler) top() (any, error) {
	if len(u.stack) == 0 {
		return nil, pickleError("stack underflow")
	}

	return u.stack[len(u.stack)-1], nil
}

// popMark pops everything down to and including the topmost mark.
func (u *unpickler) popMark() ([]any, error) {
	for i := len(u.stack) - 1; i >= 0; i-- {
		if u.stack[i] != marker {
			continue
		}

		items := make([]any, len(u.stack)-i-1)
		copy(items, u.stack[i+1:])
		u.stack = u.stack[:i]

		return items, nil
	}

	return nil, pickleError("mark not found")
}

func (u *unpickler) readN(n uint64) ([]byte, error) {
	if n > maxPickleString {
		return nil, pickleError("length %d too large", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(u.r, buf); err != nil {
		return nil, pickleError("truncated: %v", err)
	}

	return buf, nil
}

func (u *unpickler) readLine() (string, error) {
	line, err := u.r.ReadString('\n')
	if err != nil {
		return "", pickleError("truncated line: %v", err)
	}

	return strings.TrimSuffix(line, "\n"), nil
}

func (u *unpickler) readUint(size int) (uint64, error) {
	buf, err := u.readN(uint64(size))
	if err != nil {
		return 0, err
	}

	var padded [8]byte
	copy(padded[:], buf)

	return binary.LittleEndian.Uint64(padded[:]), nil
}

func (u *unpickler) run() (any, error) {
	for {
		op, err := u.r.ReadByte()
		if err != nil {
			return nil, pickleError("missing STOP: %v", err)
		}

		if op == opStop {
			v, err := u.pop()
			if err != nil {
				return nil, err
			}

			return v, nil
		}

		if err := u.step(op); err != nil {
			return nil, err
		}
	}
}

// step executes one opcode.
func (u *unpickler) step(op byte) error {
	switch op {
	case opProto:
		version, err := u.r.ReadByte()
		if err != nil {
			return pickleError("truncated PROTO")
		}
		if version > highestProtocol {
			return pickleError("unsupported protocol %d", version)
		}

	case opFrame:
		// Frames only hint at buffering.
		if _, err := u.readUint(8); err != nil {
			return err
		}

	case opMark:
		u.push(marker)

	case opPop:
		if len(u.stack) == 0 {
			return pickleError("stack underflow")
		}
		u.stack = u.stack[:len(u.stack)-1]

	case opPopMark:
		_, err := u.popMark()
		return err

	case opDup:
		v, err := u.top()
		if err != nil {
			return err
		}
		u.push(v)

	case opNone:
		u.push(nil)

	case opNewTrue:
		u.push(true)

	case opNewFalse:
		u.push(false)

	case opInt:
		line, err := u.readLine()
		if err != nil {
			return err
		}

		switch line {
		case "00":
			u.push(false)
		case "01":
			u.push(true)
		default:
			v, err := strconv.ParseInt(line, 10, 64)
			if err != nil {
				return pickleError("bad INT %q", line)
			}
			u.push(v)
		}

	case opBinInt:
		v, err := u.readUint(4)
		if err != nil {
			return err
		}
		u.push(int64(int32(uint32(v))))

	case opBinInt1:
		v, err := u.readUint(1)
		if err != nil {
			return err
		}
		u.push(int64(v))

	case opBinInt2:
		v, err := u.readUint(2)
		if err != nil {
			return err
		}
		u.push(int64(v))

	case opLong:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(line, "L"), 10, 64)
		if err != nil {
			return pickleError("bad LONG %q", line)
		}
		u.push(v)

	case opLong1, opLong4:
		size := uint64(1)
		if op == opLong4 {
			size = 4
		}
		n, err := u.readUint(int(size))
		if err != nil {
			return err
		}
		buf, err := u.readN(n)
		if err != nil {
			return err
		}
		v, err := decodeLong(buf)
		if err != nil {
			return err
		}
		u.push(v)

	case opFloat:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return pickleError("bad FLOAT %q", line)
		}
		u.push(v)

	case opBinFloat:
		buf, err := u.readN(8)
		if err != nil {
			return err
		}
		u.push(math.Float64frombits(binary.BigEndian.Uint64(buf)))

	case opString:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		s, err := unquoteString(line)
		if err != nil {
			return err
		}
		u.push(s)

	case opUnicode:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		s, err := decodeRawUnicodeEscape(line)
		if err != nil {
			return err
		}
		u.push(s)

	case opShortBinString, opShortBinUnicode, opShortBinBytes:
		return u.pushCounted(op, 1)

	case opBinString, opBinUnicode, opBinBytes:
		return u.pushCounted(op, 4)

	case opBinUnicode8, opBinBytes8:
		return u.pushCounted(op, 8)

	case opEmptyList:
		u.push(&List{})

	case opList:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		u.push(&List{Items: items})

	case opAppend:
		v, err := u.pop()
		if err != nil {
			return err
		}
		return u.appendTo([]any{v})

	case opAppends:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		return u.appendTo(items)

	case opEmptyTuple:
		u.push(Tuple{})

	case opTuple:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		u.push(Tuple(items))

	case opTuple1, opTuple2, opTuple3:
		n := int(op-opTuple1) + 1
		if len(u.stack) < n {
			return pickleError("stack underflow")
		}
		items := make(Tuple, n)
		for i := n - 1; i >= 0; i-- {
			v, err := u.pop()
			if err != nil {
				return err
			}
			items[i] = v
		}
		u.push(items)

	case opEmptyDict:
		u.push(Dict{})

	case opDict:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		d := Dict{}
		if err := setItems(d, items); err != nil {
			return err
		}
		u.push(d)

	case opSetItem:
		value, err := u.pop()
		if err != nil {
			return err
		}
		key, err := u.pop()
		if err != nil {
			return err
		}
		return u.setInto([]any{key, value})

	case opSetItems:
		items, err := u.popMark()
		if err != nil {
			return err
		}
		return u.setInto(items)

	case opGlobal:
		module, err := u.readLine()
		if err != nil {
			return err
		}
		name, err := u.readLine()
		if err != nil {
			return err
		}
		u.push(global{module: module, name: name})

	case opStackGlobal:
		name, err := u.pop()
		if err != nil {
			return err
		}
		module, err := u.pop()
		if err != nil {
			return err
		}
		m, ok1 := module.(string)
		n, ok2 := name.(string)
		if !ok1 || !ok2 {
			return pickleError("STACK_GLOBAL needs strings")
		}
		u.push(global{module: m, name: n})

	case opReduce, opNewObj:
		args, err := u.pop()
		if err != nil {
			return err
		}
		return u.instantiate(args)

	case opNewObjEx:
		// Keyword arguments are not used by the schema.
		if _, err := u.pop(); err != nil {
			return err
		}
		args, err := u.pop()
		if err != nil {
			return err
		}
		return u.instantiate(args)

	case opBuild:
		state, err := u.pop()
		if err != nil {
			return err
		}
		target, err := u.top()
		if err != nil {
			return err
		}
		obj, ok := target.(*Object)
		if !ok {
			return pickleError("BUILD on %T", target)
		}
		obj.State = state

	case opPut:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return pickleError("bad PUT %q", line)
		}
		return u.memoize(idx)

	case opBinPut:
		idx, err := u.readUint(1)
		if err != nil {
			return err
		}
		return u.memoize(idx)

	case opLongBinPut:
		idx, err := u.readUint(4)
		if err != nil {
			return err
		}
		return u.memoize(idx)

	case opMemoize:
		return u.memoize(uint64(len(u.memo)))

	case opGet:
		line, err := u.readLine()
		if err != nil {
			return err
		}
		idx, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			return pickleError("bad GET %q", line)
		}
		return u.recall(idx)

	case opBinGet:
		idx, err := u.readUint(1)
		if err != nil {
			return err
		}
		return u.recall(idx)

	case opLongBinGet:
		idx, err := u.readUint(4)
		if err != nil {
			return err
		}
		return u.recall(idx)

	default:
		return pickleError("unsupported opcode 0x%02x", op)
	}

	return nil
}

// pushCounted reads a length prefixed string or bytes value.
func (u *unpickler) pushCounted(op byte, size int) error {
	n, err := u.readUint(size)
	if err != nil {
		return err
	}
	if size == 4 && op == opBinString && int32(uint32(n)) < 0 {
		return pickleError("negative BINSTRING length")
	}

	buf, err := u.readN(n)
	if err != nil {
		return err
	}

	switch op {
	case opShortBinBytes, opBinBytes, opBinBytes8:
		u.push(buf)
	default:
		u.push(string(buf))
	}

	return nil
}

func (u *unpickler) appendTo(items []any) error {
	target, err := u.top()
	if err != nil {
		return err
	}

	list, ok := target.(*List)
	if !ok {
		return pickleError("APPEND to %T", target)
	}
	list.Items = append(list.Items, items...)

	return nil
}

func (u *unpickler) setInto(items []any) error {
	target, err := u.top()
	if err != nil {
		return err
	}

	d, ok := target.(Dict)
	if !ok {
		return pickleError("SETITEM on %T", target)
	}

	return setItems(d, items)
}

func setItems(d Dict, items []any) error {
	if len(items)%2 != 0 {
		return pickleError("odd number of dict items")
	}

	for i := 0; i < len(items); i += 2 {
		key, ok := items[i].(string)
		if !ok {
			return pickleError("unsupported dict key %T", items[i])
		}
		d[key] = items[i+1]
	}

	return nil
}

func (u *unpickler) instantiate(args any) error {
	cls, err := u.pop()
	if err != nil {
		return err
	}

	g, ok := cls.(global)
	if !ok {
		return pickleError("cannot call %T", cls)
	}
	tuple, ok := args.(Tuple)
	if !ok {
		return pickleError("arguments are %T, not a tuple", args)
	}

	// Protocols 0 and 1 build instances through copyreg.
	if g.name == "_reconstructor" && len(tuple) > 0 &&
		(g.module == "copy_reg" || g.module == "copyreg") {

		if cls, ok := tuple[0].(global); ok {
			g, tuple = cls, Tuple{}
		}
	}

	u.push(&Object{Module: g.module, Name: g.name, Args: tuple})

	return nil
}

func (u *unpickler) memoize(idx uint64) error {
	v, err := u.top()
	if err != nil {
		return err
	}
	u.memo[idx] = v

	return nil
}

func (u *unpickler) recall(idx uint64) error {
	v, ok := u.memo[idx]
	if !ok {
		return pickleError("memo key %d missing", idx)
	}
	u.push(v)

	return nil
}

// decodeLong decodes a little endian two's complement integer.
func decodeLong(buf []byte) (int64, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	be := make([]byte, len(buf))
	for i, b := range buf {
		be[len(buf)-1-i] = b
	}

	n := new(big.Int).SetBytes(be)
	if buf[len(buf)-1]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(buf)*8)))
	}
	if !n.IsInt64() {
		return 0, pickleError("integer %v out of range", n)
	}

	return n.Int64(), nil
}

// unquoteString decodes the repr form used by the STRING opcode.
func unquoteString(s string) (string, error) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		s = `"` + strings.ReplaceAll(
			strings.ReplaceAll(s[1:len(s)-1], `\'`, `'`),
			`"`, `\"`,
		) + `"`
	}

	v, err := strconv.Unquote(s)
	if err != nil {
		return "", pickleError("bad STRING %q", s)
	}

	return v, nil
}

// decodeRawUnicodeEscape decodes the raw-unicode-escape form used by the
// UNICODE opcode, where only \uXXXX and \UXXXXXXXX are escapes.
func decodeRawUnicodeEscape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) ||
			(s[i+1] != 'u' && s[i+1] != 'U') {

			b.WriteByte(s[i])
			continue
		}

		width := 4
		if s[i+1] == 'U' {
			width = 8
		}
		if i+2+width > len(s) {
			return "", pickleError("truncated escape in %q", s)
		}

		r, err := strconv.ParseUint(s[i+2:i+2+width], 16, 32)
		if err != nil {
			return "", pickleError("bad escape in %q", s)
		}
		b.WriteRune(rune(r))
		i += 1 + width
	}

	return b.String(), nil
}

// pickler writes protocol 2 pickles.
type pickler struct {
	buf bytes.Buffer
}

// Pickle encodes v with protocol 2. Supported values are nil, bool, int,
// int64, float64, string, Tuple, *List, []any, Dict and *Object.
func Pickle(v any) ([]byte, error) {
	p := &pickler{}
	p.buf.Write([]byte{opProto, 2})
	if err := p.encode(v); err != nil {
		return nil, err
	}
	p.buf.WriteByte(opStop)

	return p.buf.Bytes(), nil
}

func (p *pickler) encode(v any) error {
	switch v := v.(type) {
	case nil:
		p.buf.WriteByte(opNone)

	case bool:
		if v {
			p.buf.WriteByte(opNewTrue)
		} else {
			p.buf.WriteByte(opNewFalse)
		}

	case int:
		p.encodeInt(int64(v))

	case int64:
		p.encodeInt(v)

	case float64:
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(v))
		p.buf.WriteByte(opBinFloat)
		p.buf.Write(raw[:])

	case string:
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(len(v)))
		p.buf.WriteByte(opBinUnicode)
		p.buf.Write(n[:])
		p.buf.WriteString(v)

	case Tuple:
		if len(v) == 0 {
			p.buf.WriteByte(opEmptyTuple)
			return nil
		}
		p.buf.WriteByte(opMark)
		for _, item := range v {
			if err := p.encode(item); err != nil {
				return err
			}
		}
		p.buf.WriteByte(opTuple)

	case *List:
		return p.encodeList(v.Items)

	case []any:
		return p.encodeList(v)

	case Dict:
		p.buf.WriteByte(opEmptyDict)
		if len(v) == 0 {
			return nil
		}

		// Sorted keys keep the output stable.
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		p.buf.WriteByte(opMark)
		for _, key := range keys {
			if err := p.encode(key); err != nil {
				return err
			}
			if err := p.encode(v[key]); err != nil {
				return err
			}
		}
		p.buf.WriteByte(opSetItems)

	case *Object:
		p.buf.WriteByte(opGlobal)
		p.buf.WriteString(v.Module + "\n" + v.Name + "\n")
		if err := p.encode(v.Args); err != nil {
			return err
		}
		p.buf.WriteByte(opNewObj)
		if v.State != nil {
			if err := p.encode(v.State); err != nil {
				return err
			}
			p.buf.WriteByte(opBuild)
		}

	default:
		return fmt.Errorf("cannot pickle %T", v)
	}

	return nil
}

func (p *pickler) encodeList(items []any) error {
	p.buf.WriteByte(opEmptyList)
	if len(items) == 0 {
		return nil
	}

	p.buf.WriteByte(opMark)
	for _, item := range items {
		if err := p.encode(item); err != nil {
			return err
		}
	}
	p.buf.WriteByte(opAppends)

	return nil
}

func (p *pickler) encodeInt(v int64) {
	switch {
	case v >= 0 && v < 1<<8:
		p.buf.Write([]byte{opBinInt1, byte(v)})

	case v >= 0 && v < 1<<16:
		var n [2]byte
		binary.LittleEndian.PutUint16(n[:], uint16(v))
		p.buf.WriteByte(opBinInt2)
		p.buf.Write(n[:])

	case v >= math.MinInt32 && v <= math.MaxInt32:
		var n [4]byte
		binary.LittleEndian.PutUint32(n[:], uint32(int32(v)))
		p.buf.WriteByte(opBinInt)
		p.buf.Write(n[:])

	default:
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(v))
		p.buf.Write([]byte{opLong1, 8})
		p.buf.Write(n[:])
	}
}
