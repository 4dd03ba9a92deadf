package tensorstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"imgsynth-go/dtype"
)

func TestStoreAddAndGetTensor(t *testing.T) {
	s := NewStore()
	err := s.AddTensor("model.diffusion_model.input_blocks.0.0.weight", Entry{
		Dtype: dtype.F16,
		Shape: [4]int{3, 3, 4, 320},
	})
	require.NoError(t, err)

	e := s.GetTensor("model.diffusion_model.input_blocks.0.0.weight")
	require.NotNil(t, e)
	require.Equal(t, dtype.F16, e.Dtype)
	require.Equal(t, 320*4*3*3, e.NElements())

	require.Nil(t, s.GetTensor("does.not.exist"))
}

func TestStoreDuplicateTensorRejected(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AddTensor("w", Entry{Dtype: dtype.F32}))
	err := s.AddTensor("w", Entry{Dtype: dtype.F32})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestStoreMetaRoundTrip(t *testing.T) {
	s := NewStore()
	s.SetMeta("model_type", "sdxl")
	s.SetMeta("vae_scale", "0.13025")
	s.SetMeta("model_type", "sdxl-refiner") // overwrite

	v, ok := s.GetMeta("model_type")
	require.True(t, ok)
	require.Equal(t, "sdxl-refiner", v)

	_, ok = s.GetMeta("missing")
	require.False(t, ok)

	require.Len(t, s.Meta(), 2)
}

func TestStoreTensorsPreservesInsertionOrder(t *testing.T) {
	s := NewStore()
	names := []string{"z.weight", "a.weight", "m.weight"}
	for _, n := range names {
		require.NoError(t, s.AddTensor(n, Entry{Dtype: dtype.F32}))
	}
	got := s.Tensors()
	require.Len(t, got, 3)
	for i, e := range got {
		require.Equal(t, names[i], s.Names.String(e.NameID))
	}
}

func TestStringInternerReservesEmptyAsZero(t *testing.T) {
	si := NewStringInterner()
	id, ok := si.Lookup("")
	require.True(t, ok)
	require.Equal(t, 0, id)

	id2 := si.Intern("foo")
	require.NotEqual(t, 0, id2)
	require.Equal(t, "foo", si.String(id2))
	require.Equal(t, id2, si.Intern("foo"))
}
