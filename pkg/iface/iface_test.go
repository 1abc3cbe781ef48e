package iface_test

import (
	"testing"

	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicateName(t *testing.T) {
	l := iface.NewList()
	require.NoError(t, l.Register(&iface.Interface{Name: "can0"}))
	require.Error(t, l.Register(&iface.Interface{Name: "can0"}))
}

func TestRegisterRejectsLongName(t *testing.T) {
	l := iface.NewList()
	require.Error(t, l.Register(&iface.Interface{Name: "way-too-long-name"}))
}

func TestGetByNameAndIndex(t *testing.T) {
	l := iface.NewList()
	a := &iface.Interface{Name: "a"}
	b := &iface.Interface{Name: "b"}
	require.NoError(t, l.Register(a))
	require.NoError(t, l.Register(b))

	require.Same(t, a, l.GetByName("a"))
	require.Same(t, b, l.GetByIndex(1))
	require.Nil(t, l.GetByIndex(2))
}

func TestCheckDefaultPromotesAllWhenNoneSet(t *testing.T) {
	l := iface.NewList()
	a := &iface.Interface{Name: "a"}
	b := &iface.Interface{Name: "b"}
	require.NoError(t, l.Register(a))
	require.NoError(t, l.Register(b))

	l.CheckDefault()
	require.True(t, a.Default)
	require.True(t, b.Default)
}

func TestCheckDefaultLeavesExplicitChoiceAlone(t *testing.T) {
	l := iface.NewList()
	a := &iface.Interface{Name: "a", Default: true}
	b := &iface.Interface{Name: "b"}
	require.NoError(t, l.Register(a))
	require.NoError(t, l.Register(b))

	l.CheckDefault()
	require.True(t, a.Default)
	require.False(t, b.Default)
}

func TestStatsSnapshot(t *testing.T) {
	a := &iface.Interface{Name: "a"}
	a.IncTx(10)
	a.IncDrop()
	s := a.Stats()
	require.EqualValues(t, 1, s.Tx)
	require.EqualValues(t, 10, s.TxBytes)
	require.EqualValues(t, 1, s.Drop)
}
