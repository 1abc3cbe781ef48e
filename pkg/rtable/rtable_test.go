package rtable_test

import (
	"testing"

	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/gocsp/gocsp/pkg/rtable"
	"github.com/stretchr/testify/require"
)

func TestLongestPrefixMatchScenario(t *testing.T) {
	// Table: {8/5 -> IFACE_A, 10/8 -> IFACE_B, 0/0 -> IFACE_C}, hostBits=8
	// (spec §8 scenario 5, generalized to an 8-bit address space so /5 and
	// /8 both make sense as prefix lengths).
	a := &iface.Interface{Name: "a"}
	b := &iface.Interface{Name: "b"}
	c := &iface.Interface{Name: "c"}

	tbl := rtable.New(16, 8)
	require.NoError(t, tbl.Set(8, 5, a, rtable.NoVia))
	require.NoError(t, tbl.Set(10, 8, b, rtable.NoVia))
	require.NoError(t, tbl.Set(0, 0, c, rtable.NoVia))

	e, ok := tbl.Find(10)
	require.True(t, ok)
	require.Same(t, b, e.Iface)

	e, ok = tbl.Find(11)
	require.True(t, ok)
	require.Same(t, a, e.Iface, "11 & 0xF8 == 8, should match 8/5")

	e, ok = tbl.Find(100)
	require.True(t, ok)
	require.Same(t, c, e.Iface)
}

func TestSetRejectsNilIfaceAndOversizedMask(t *testing.T) {
	tbl := rtable.New(4, 5)
	require.Error(t, tbl.Set(1, 0, nil, rtable.NoVia))

	a := &iface.Interface{Name: "a"}
	require.Error(t, tbl.Set(1, 6, a, rtable.NoVia))
}

func TestSetOverwritesViaOnExistingEntry(t *testing.T) {
	a := &iface.Interface{Name: "a"}
	tbl := rtable.New(4, 5)
	require.NoError(t, tbl.Set(1, 5, a, rtable.NoVia))
	require.NoError(t, tbl.Set(1, 5, a, 7))

	e, ok := tbl.Find(1)
	require.True(t, ok)
	require.EqualValues(t, 7, e.Via)
	require.Len(t, tbl.Entries(), 1)
}

func TestLoadAtomicOnInvalidEntry(t *testing.T) {
	a := &iface.Interface{Name: "a"}
	tbl := rtable.New(4, 8)
	resolve := func(name string) *iface.Interface {
		if name == "a" {
			return a
		}
		return nil
	}
	_, err := tbl.Load("0/0 a, 10/8 unknown", resolve)
	require.Error(t, err)
	require.Empty(t, tbl.Entries(), "no partial application on a failed parse")
}

func TestLoadThenSaveRoundTrip(t *testing.T) {
	a := &iface.Interface{Name: "a"}
	loop := &iface.Interface{Name: "loop"}
	tbl := rtable.New(4, 8)
	resolve := func(name string) *iface.Interface {
		if name == "a" {
			return a
		}
		if name == "loop" {
			return loop
		}
		return nil
	}
	n, err := tbl.Load("0/0 a, 1/8 loop", resolve)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	saved := tbl.Save()
	require.Equal(t, "0/0 a", saved, "loopback interface is excluded from Save")
}

func TestClearRemovesAllEntries(t *testing.T) {
	a := &iface.Interface{Name: "a"}
	tbl := rtable.New(4, 8)
	require.NoError(t, tbl.Set(1, 8, a, rtable.NoVia))
	tbl.Clear()
	require.Empty(t, tbl.Entries())
	_, ok := tbl.Find(1)
	require.False(t, ok)
}
