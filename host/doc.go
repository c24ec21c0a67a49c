// Package host exposes Go functions and values to embedded engine code.
//
// A Registry groups members into dotted packages ("host.math",
// "host.math.stats"). It answers the questions an engine import hook asks:
// is a name a host package, what does it export, which packages nest under
// it. Interpreters pass it as their Enquirer.
//
// Struct hosts register every exported method, named in snake_case:
//
//	type Math struct{}
//
//	func (Math) Package() string          { return "host.math" }
//	func (Math) Abs(x float64) float64    { return math.Abs(x) }
//	func (Math) ParseInt(s string) (int64, error) { ... }
//
//	reg := host.NewRegistry()
//	reg.RegisterHost(Math{})          // host.math.abs, host.math.parse_int
//	reg.RegisterValue("host.math", "pi", math.Pi)
//
// Engines call registered functions through Invoke, which converts engine
// values to the parameter types and maps a trailing error result to a Go
// error.
package host
