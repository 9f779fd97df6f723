package regstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxgio92/regalia/ir"
	"github.com/maxgio92/regalia/regstate"
)

var valid = []regstate.State{
	regstate.No, regstate.NoOrDead, regstate.Dead,
	regstate.Yes, regstate.YesOrDead, regstate.Maybe,
	regstate.Contradiction,
}

func TestCombineTable(t *testing.T) {
	cases := []struct {
		a, b, want regstate.State
	}{
		{regstate.Yes, regstate.Yes, regstate.Yes},
		{regstate.Yes, regstate.YesOrDead, regstate.Yes},
		{regstate.Yes, regstate.Maybe, regstate.Yes},
		{regstate.Yes, regstate.No, regstate.Contradiction},
		{regstate.Yes, regstate.NoOrDead, regstate.Contradiction},
		{regstate.Yes, regstate.Dead, regstate.Contradiction},
		{regstate.YesOrDead, regstate.Yes, regstate.Yes},
		{regstate.YesOrDead, regstate.YesOrDead, regstate.YesOrDead},
		{regstate.YesOrDead, regstate.Maybe, regstate.YesOrDead},
		{regstate.YesOrDead, regstate.Dead, regstate.Dead},
		{regstate.YesOrDead, regstate.NoOrDead, regstate.Dead},
		{regstate.YesOrDead, regstate.No, regstate.Contradiction},
		{regstate.No, regstate.No, regstate.No},
		{regstate.No, regstate.NoOrDead, regstate.No},
		{regstate.No, regstate.Maybe, regstate.No},
		{regstate.No, regstate.YesOrDead, regstate.Contradiction},
		{regstate.NoOrDead, regstate.No, regstate.No},
		{regstate.NoOrDead, regstate.NoOrDead, regstate.NoOrDead},
		{regstate.NoOrDead, regstate.Maybe, regstate.NoOrDead},
		{regstate.NoOrDead, regstate.Dead, regstate.Dead},
		{regstate.NoOrDead, regstate.YesOrDead, regstate.Dead},
		{regstate.NoOrDead, regstate.Yes, regstate.Contradiction},
		{regstate.Dead, regstate.Dead, regstate.Dead},
		{regstate.Dead, regstate.Maybe, regstate.Dead},
		{regstate.Dead, regstate.NoOrDead, regstate.Dead},
		{regstate.Dead, regstate.YesOrDead, regstate.Dead},
		{regstate.Dead, regstate.No, regstate.Contradiction},
		{regstate.Dead, regstate.Yes, regstate.Contradiction},
	}
	for _, c := range cases {
		got := regstate.Combine(c.a, c.b)
		assert.Equalf(t, c.want, got, "Combine(%s, %s)", c.a, c.b)
	}
}

func TestCombineMaybeIsIdentity(t *testing.T) {
	for _, s := range valid {
		assert.Equal(t, s, regstate.Combine(regstate.Maybe, s))
		assert.Equal(t, s, regstate.Combine(s, regstate.Maybe))
	}
}

func TestCombineContradictionAbsorbs(t *testing.T) {
	for _, s := range valid {
		assert.Equal(t, regstate.Contradiction, regstate.Combine(regstate.Contradiction, s))
		assert.Equal(t, regstate.Contradiction, regstate.Combine(s, regstate.Contradiction))
	}
}

func TestCombineCommutative(t *testing.T) {
	for _, a := range valid {
		for _, b := range valid {
			assert.Equalf(t, regstate.Combine(a, b), regstate.Combine(b, a),
				"Combine(%s, %s) vs Combine(%s, %s)", a, b, b, a)
		}
	}
}

func TestCombineAssociative(t *testing.T) {
	for _, a := range valid {
		for _, b := range valid {
			for _, c := range valid {
				left := regstate.Combine(regstate.Combine(a, b), c)
				right := regstate.Combine(a, regstate.Combine(b, c))
				assert.Equalf(t, left, right, "Combine(Combine(%s, %s), %s) vs Combine(%s, Combine(%s, %s))", a, b, c, a, b, c)
			}
		}
	}
}

func TestCombineInvalidPanics(t *testing.T) {
	for _, s := range valid {
		assert.Panics(t, func() { regstate.Combine(regstate.Invalid, s) })
		assert.Panics(t, func() { regstate.Combine(s, regstate.Invalid) })
	}
	assert.Panics(t, func() { regstate.Combine(regstate.Invalid, regstate.Invalid) })
}

func TestMapAbsentReadsAsMaybe(t *testing.T) {
	r0 := ir.Register{Name: "r0", Size: 8}
	m := make(regstate.Map)
	assert.Equal(t, regstate.Maybe, m.Get(r0))

	m.Set(r0, regstate.Yes)
	assert.Equal(t, regstate.Yes, m.Get(r0))
}

func TestMapCombineWith(t *testing.T) {
	r0 := ir.Register{Name: "r0", Size: 8}
	r1 := ir.Register{Name: "r1", Size: 8}
	r2 := ir.Register{Name: "r2", Size: 8}

	a := regstate.Map{r0: regstate.Yes, r1: regstate.YesOrDead}
	b := regstate.Map{r1: regstate.NoOrDead, r2: regstate.No}

	got := a.CombineWith(b)
	require.Equal(t, regstate.Yes, got.Get(r0), "r0 only in a, combined with Maybe")
	require.Equal(t, regstate.Dead, got.Get(r1), "Combine(YesOrDead, NoOrDead)")
	require.Equal(t, regstate.No, got.Get(r2), "r2 only in b, combined with Maybe")

	// Inputs are untouched.
	assert.Equal(t, regstate.YesOrDead, a.Get(r1))
	assert.Equal(t, regstate.NoOrDead, b.Get(r1))
}

func TestMapEqualTreatsAbsentAsMaybe(t *testing.T) {
	r0 := ir.Register{Name: "r0", Size: 8}
	a := regstate.Map{r0: regstate.Maybe}
	b := regstate.Map{}
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))

	a.Set(r0, regstate.Yes)
	assert.False(t, a.Equal(b))
}

func TestMapCloneIsIndependent(t *testing.T) {
	r0 := ir.Register{Name: "r0", Size: 8}
	a := regstate.Map{r0: regstate.Yes}
	b := a.Clone()
	b.Set(r0, regstate.No)
	assert.Equal(t, regstate.Yes, a.Get(r0))
}
