package api

import (
	"github.com/lucasb-eyer/go-colorful"
	lua "github.com/yuin/gopher-lua"
)

// ColorModule implements the matrix.color API module.
// Widgets use it to work with hex colors when drawing to the matrix.
type ColorModule struct{}

// NewColorModule creates a new color module.
func NewColorModule() *ColorModule {
	return &ColorModule{}
}

// Name returns the module name.
func (m *ColorModule) Name() string {
	return "color"
}

// Loader builds the module table.
func (m *ColorModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "rgb", L.NewFunction(m.rgb))
	L.SetField(mod, "hex", L.NewFunction(m.hex))
	L.SetField(mod, "hsv", L.NewFunction(m.hsv))
	L.SetField(mod, "blend", L.NewFunction(m.blend))
	L.SetField(mod, "gradient", L.NewFunction(m.gradient))

	L.Push(mod)
	return 1
}

// rgb(hex) -> r, g, b
// Parses a "#rrggbb" color into 0-255 channels.
func (m *ColorModule) rgb(L *lua.LState) int {
	c, err := colorful.Hex(L.CheckString(1))
	if err != nil {
		L.RaiseError("invalid color: %s", err.Error())
		return 0
	}
	r, g, b := c.RGB255()
	L.Push(lua.LNumber(r))
	L.Push(lua.LNumber(g))
	L.Push(lua.LNumber(b))
	return 3
}

// hex(r, g, b) -> "#rrggbb"
func (m *ColorModule) hex(L *lua.LState) int {
	r := float64(L.CheckNumber(1)) / 255.0
	g := float64(L.CheckNumber(2)) / 255.0
	b := float64(L.CheckNumber(3)) / 255.0
	L.Push(lua.LString(colorful.Color{R: r, G: g, B: b}.Clamped().Hex()))
	return 1
}

// hsv(h, s, v) -> "#rrggbb"
// Hue in degrees, saturation and value in [0,1].
func (m *ColorModule) hsv(L *lua.LState) int {
	h := float64(L.CheckNumber(1))
	s := float64(L.CheckNumber(2))
	v := float64(L.CheckNumber(3))
	L.Push(lua.LString(colorful.Hsv(h, s, v).Clamped().Hex()))
	return 1
}

// blend(hex1, hex2, t) -> "#rrggbb"
// Perceptual blend between two colors, t in [0,1].
func (m *ColorModule) blend(L *lua.LState) int {
	c1, err1 := colorful.Hex(L.CheckString(1))
	c2, err2 := colorful.Hex(L.CheckString(2))
	if err1 != nil || err2 != nil {
		L.RaiseError("invalid color")
		return 0
	}
	t := float64(L.CheckNumber(3))
	L.Push(lua.LString(c1.BlendLab(c2, t).Clamped().Hex()))
	return 1
}

// gradient(hex1, hex2, n) -> {hex...}
// Returns n evenly spaced colors between two endpoints, inclusive.
func (m *ColorModule) gradient(L *lua.LState) int {
	c1, err1 := colorful.Hex(L.CheckString(1))
	c2, err2 := colorful.Hex(L.CheckString(2))
	if err1 != nil || err2 != nil {
		L.RaiseError("invalid color")
		return 0
	}
	n := int(L.CheckNumber(3))
	if n < 2 {
		L.RaiseError("gradient needs at least 2 steps")
		return 0
	}

	tbl := L.NewTable()
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		tbl.RawSetInt(i+1, lua.LString(c1.BlendLab(c2, t).Clamped().Hex()))
	}
	L.Push(tbl)
	return 1
}
