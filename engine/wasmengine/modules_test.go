package wasmengine

// Binary modules used by the tests, encoded by hand.

const (
	i32 byte = 0x7f
	i64 byte = 0x7e
	f64 byte = 0x7c

	exportFunc   byte = 0x00
	exportMemory byte = 0x02
	exportGlobal byte = 0x03
)

type funcType struct {
	params, results []byte
}

type importFunc struct {
	module, name string
	typ          uint32
}

type funcBody struct {
	typ  uint32
	code []byte
}

// global is an i32 global with a constant initializer.
type global struct {
	init    int8
	mutable bool
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type testModule struct {
	types   []funcType
	imports []importFunc
	funcs   []funcBody
	memory  uint32
	globals []global
	exports []export
}

func (m testModule) encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var sec []byte
		for _, t := range m.types {
			sec = append(sec, 0x60)
			sec = append(sec, vec(t.params)...)
			sec = append(sec, vec(t.results)...)
		}
		out = appendSection(out, 1, len(m.types), sec)
	}
	if len(m.imports) > 0 {
		var sec []byte
		for _, imp := range m.imports {
			sec = append(sec, name(imp.module)...)
			sec = append(sec, name(imp.name)...)
			sec = append(sec, 0x00)
			sec = append(sec, uleb(uint64(imp.typ))...)
		}
		out = appendSection(out, 2, len(m.imports), sec)
	}
	if len(m.funcs) > 0 {
		var sec []byte
		for _, f := range m.funcs {
			sec = append(sec, uleb(uint64(f.typ))...)
		}
		out = appendSection(out, 3, len(m.funcs), sec)
	}
	if m.memory > 0 {
		sec := append([]byte{0x00}, uleb(uint64(m.memory))...)
		out = appendSection(out, 5, 1, sec)
	}
	if len(m.globals) > 0 {
		var sec []byte
		for _, g := range m.globals {
			mut := byte(0x00)
			if g.mutable {
				mut = 0x01
			}
			sec = append(sec, i32, mut, 0x41, byte(g.init)&0x7f, 0x0b)
		}
		out = appendSection(out, 6, len(m.globals), sec)
	}
	if len(m.exports) > 0 {
		var sec []byte
		for _, e := range m.exports {
			sec = append(sec, name(e.name)...)
			sec = append(sec, e.kind)
			sec = append(sec, uleb(uint64(e.idx))...)
		}
		out = appendSection(out, 7, len(m.exports), sec)
	}
	if len(m.funcs) > 0 {
		var sec []byte
		for _, f := range m.funcs {
			body := append([]byte{0x00}, f.code...)
			body = append(body, 0x0b)
			sec = append(sec, uleb(uint64(len(body)))...)
			sec = append(sec, body...)
		}
		out = appendSection(out, 10, len(m.funcs), sec)
	}
	return out
}

func appendSection(out []byte, id byte, count int, items []byte) []byte {
	body := append(uleb(uint64(count)), items...)
	out = append(out, id)
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func vec(b []byte) []byte {
	return append(uleb(uint64(len(b))), b...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func uleb(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// mathModule exports add, half, pair, boom, a one page memory and the
// immutable global seven.
func mathModule() []byte {
	return testModule{
		types: []funcType{
			{params: []byte{i32, i32}, results: []byte{i32}},
			{params: []byte{f64}, results: []byte{f64}},
			{params: []byte{i32}, results: []byte{i32, i32}},
			{},
		},
		funcs: []funcBody{
			// local.get 0, local.get 1, i32.add
			{typ: 0, code: []byte{0x20, 0x00, 0x20, 0x01, 0x6a}},
			// local.get 0, f64.const 2, f64.div
			{typ: 1, code: []byte{0x20, 0x00, 0x44, 0, 0, 0, 0, 0, 0, 0, 0x40, 0xa3}},
			// local.get 0, local.get 0, i32.const 1, i32.add
			{typ: 2, code: []byte{0x20, 0x00, 0x20, 0x00, 0x41, 0x01, 0x6a}},
			// unreachable
			{typ: 3, code: []byte{0x00}},
		},
		memory:  1,
		globals: []global{{init: 7}},
		exports: []export{
			{name: "add", kind: exportFunc, idx: 0},
			{name: "half", kind: exportFunc, idx: 1},
			{name: "pair", kind: exportFunc, idx: 2},
			{name: "boom", kind: exportFunc, idx: 3},
			{name: "mem", kind: exportMemory, idx: 0},
			{name: "seven", kind: exportGlobal, idx: 0},
		},
	}.encode()
}

// counterModule exports inc, which increments and returns the mutable
// global value.
func counterModule() []byte {
	return testModule{
		types:   []funcType{{results: []byte{i32}}},
		globals: []global{{mutable: true}},
		funcs: []funcBody{
			// global.get 0, i32.const 1, i32.add, global.set 0, global.get 0
			{typ: 0, code: []byte{0x23, 0x00, 0x41, 0x01, 0x6a, 0x24, 0x00, 0x23, 0x00}},
		},
		exports: []export{
			{name: "inc", kind: exportFunc, idx: 0},
			{name: "value", kind: exportGlobal, idx: 0},
		},
	}.encode()
}

// clientModule imports counter.inc and re-exports it as bump.
func clientModule() []byte {
	return testModule{
		types:   []funcType{{results: []byte{i32}}},
		imports: []importFunc{{module: "counter", name: "inc", typ: 0}},
		funcs: []funcBody{
			// call 0
			{typ: 0, code: []byte{0x10, 0x00}},
		},
		exports: []export{{name: "bump", kind: exportFunc, idx: 1}},
	}.encode()
}

// hostedModule imports module.field with signature (i64) -> i64 and
// exports run, which forwards its argument to it.
func hostedModule(module, field string) []byte {
	return testModule{
		types:   []funcType{{params: []byte{i64}, results: []byte{i64}}},
		imports: []importFunc{{module: module, name: field, typ: 0}},
		funcs: []funcBody{
			// local.get 0, call 0
			{typ: 0, code: []byte{0x20, 0x00, 0x10, 0x00}},
		},
		exports: []export{{name: "run", kind: exportFunc, idx: 1}},
	}.encode()
}
